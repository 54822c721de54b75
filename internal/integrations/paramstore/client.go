// Package paramstore reads and writes provider tokens in AWS SSM Parameter
// Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when the named parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// Client wraps an AWS SSM API for SecureString parameters.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) check(name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	return name, nil
}

// GetParameter returns the decrypted value of name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name, err := c.check(name)
	if err != nil {
		return "", err
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", wrap("get", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// PutParameter stores value under name as a SecureString, replacing any
// previous value.
func (c *Client) PutParameter(ctx context.Context, name, value string) error {
	name, err := c.check(name)
	if err != nil {
		return err
	}
	overwrite := true
	_, err = c.api.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      &name,
		Value:     &value,
		Type:      types.ParameterTypeSecureString,
		Overwrite: &overwrite,
	})
	if err != nil {
		return wrap("put", name, err)
	}
	return nil
}

// DeleteParameter removes name. Deleting a missing parameter is not an error.
func (c *Client) DeleteParameter(ctx context.Context, name string) error {
	name, err := c.check(name)
	if err != nil {
		return err
	}
	_, err = c.api.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: &name})
	if err == nil {
		return nil
	}
	if err = wrap("delete", name, err); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func wrap(op, name string, err error) error {
	var notFound *types.ParameterNotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("paramstore: %s parameter %q: %w", op, name, errors.Join(ErrNotFound, err))
	}
	return fmt.Errorf("paramstore: %s parameter %q: %w", op, name, err)
}
