package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/transports/ssh"
)

// TransportKind selects how a domain service is reached.
type TransportKind string

const (
	// TransportUnix dials a unix socket. It is the default.
	TransportUnix TransportKind = "unix"
	// TransportHTTP posts each exchange to an HTTP endpoint.
	TransportHTTP TransportKind = "http"
	// TransportSSH runs a command on a remote host and speaks over its stdio.
	TransportSSH TransportKind = "ssh"
)

// Registration declares one domain service.
type Registration struct {
	// Name identifies the service in node parameters and metrics.
	Name pipeline.ServiceName `yaml:"name" validate:"required"`

	// Transport defaults to unix.
	Transport TransportKind `yaml:"transport" validate:"omitempty,oneof=unix http ssh"`

	// Endpoint is a socket path, a base URL, or the remote command for ssh.
	Endpoint string `yaml:"endpoint" validate:"required"`

	// Timeout bounds each call when the caller passes none.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// SSH holds connection settings for the ssh transport.
	SSH *ssh.Config `yaml:"ssh,omitempty" validate:"required_if=Transport ssh"`
}

// Kind returns the transport, applying the default.
func (r Registration) Kind() TransportKind {
	if r.Transport == "" {
		return TransportUnix
	}
	return r.Transport
}

// Registry is the services file.
type Registry struct {
	Services []Registration `yaml:"services" validate:"dive"`
}

var validate = validator.New()

// Validate checks a single registration.
func (r *Registration) Validate() error {
	if err := validate.Struct(r); err != nil {
		return pipeline.NewConfigurationError(fmt.Sprintf("service %q", r.Name), err)
	}
	if r.Kind() == TransportHTTP && !strings.HasPrefix(r.Endpoint, "http://") &&
		!strings.HasPrefix(r.Endpoint, "https://") {
		return pipeline.NewConfigurationError(
			fmt.Sprintf("service %q: http endpoint must be an http(s) URL, got %q", r.Name, r.Endpoint), nil)
	}
	if r.Kind() == TransportSSH {
		r.SSH.ApplyDefaults()
		if err := r.SSH.Validate(); err != nil {
			return pipeline.NewConfigurationError(fmt.Sprintf("service %q: ssh", r.Name), err)
		}
	}
	return nil
}

// Validate checks every registration and rejects duplicate names.
func (r *Registry) Validate() error {
	seen := make(map[pipeline.ServiceName]bool, len(r.Services))
	for i := range r.Services {
		reg := &r.Services[i]
		if err := reg.Validate(); err != nil {
			return err
		}
		if seen[reg.Name] {
			return pipeline.NewConfigurationError(fmt.Sprintf("duplicate service %q", reg.Name), nil)
		}
		seen[reg.Name] = true
	}
	return nil
}

// ParseRegistry decodes and validates a services file. Unknown keys are
// rejected.
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&reg); err != nil && !errors.Is(err, io.EOF) {
		return nil, pipeline.NewConfigurationError("invalid services file", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// LoadRegistry reads a services file from disk.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.NewConfigurationError(fmt.Sprintf("read services file %s", path), err)
	}
	return ParseRegistry(data)
}
