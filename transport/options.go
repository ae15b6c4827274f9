package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

const (
	// DefaultReadChunkSize is how many bytes an adapter hands out per frame
	// when it has to split a message read from the wire.
	DefaultReadChunkSize = 1024

	// DefaultReadLimit caps a single inbound message at the backend level.
	DefaultReadLimit int64 = 32 << 20
)

// Header is one extra request header sent with the opening handshake.
// Kept as an ordered list so duplicates survive.
type Header struct {
	Name  string
	Value string
}

// Options is the pass-through configuration every backend understands.
// Invalid values are never fatal: Sanitize drops them and logs why.
type Options struct {
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	ClientCertificates []tls.Certificate
	Cookies            []*http.Cookie
	Proxy              string
	Subprotocols       []string
	Headers            []Header
	ReadChunkSize      int
	ReadLimit          int64
}

// ConfigError describes one option value that was skipped.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	errInvalidToken       = errors.New("not a valid token")
	errInvalidFieldValue  = errors.New("not a valid header value")
	errUnsupportedProxy   = errors.New("proxy scheme must be http, https or socks5")
	errMissingPrivateKey  = errors.New("certificate has no private key")
	errEmptyCertificate   = errors.New("certificate chain is empty")
	errInvalidCookie      = errors.New("cookie failed validation")
	errReservedHeaderName = errors.New("header is managed by the handshake")
)

// reservedHeaders are set by the backends themselves during the upgrade and
// must not be overridden by callers.
var reservedHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

// Sanitize returns a copy of the options with every invalid value removed,
// together with the errors describing what was dropped. Each drop is logged
// at warn level.
func (o Options) Sanitize(log *zap.Logger) (Options, []error) {
	if log == nil {
		log = zap.NewNop()
	}
	var errs []error
	skip := func(field, value string, err error) {
		cerr := &ConfigError{Field: field, Value: value, Err: err}
		log.Warn("Skipping invalid transport option",
			zap.String("field", field),
			zap.String("value", value),
			zap.Error(err),
		)
		errs = append(errs, cerr)
	}

	out := o
	out.Subprotocols = nil
	for _, p := range o.Subprotocols {
		if !httpguts.ValidHeaderFieldName(p) {
			skip("subprotocol", p, errInvalidToken)
			continue
		}
		out.Subprotocols = append(out.Subprotocols, p)
	}

	out.Headers = nil
	for _, h := range o.Headers {
		switch {
		case !httpguts.ValidHeaderFieldName(h.Name):
			skip("header", h.Name, errInvalidToken)
		case reservedHeaders[http.CanonicalHeaderKey(h.Name)]:
			skip("header", h.Name, errReservedHeaderName)
		case !httpguts.ValidHeaderFieldValue(h.Value):
			skip("header", h.Name, errInvalidFieldValue)
		default:
			out.Headers = append(out.Headers, h)
		}
	}

	out.Cookies = nil
	for _, c := range o.Cookies {
		if c == nil {
			continue
		}
		if err := c.Valid(); err != nil {
			skip("cookie", c.Name, fmt.Errorf("%w: %v", errInvalidCookie, err))
			continue
		}
		out.Cookies = append(out.Cookies, c)
	}

	out.ClientCertificates = nil
	for i, cert := range o.ClientCertificates {
		switch {
		case len(cert.Certificate) == 0:
			skip("client_certificate", fmt.Sprint(i), errEmptyCertificate)
		case cert.PrivateKey == nil:
			skip("client_certificate", fmt.Sprint(i), errMissingPrivateKey)
		default:
			out.ClientCertificates = append(out.ClientCertificates, cert)
		}
	}

	if p := strings.TrimSpace(o.Proxy); p != "" {
		if _, err := parseProxy(p); err != nil {
			skip("proxy", p, err)
			out.Proxy = ""
		} else {
			out.Proxy = p
		}
	}

	if out.ReadChunkSize <= 0 {
		out.ReadChunkSize = DefaultReadChunkSize
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = DefaultReadLimit
	}

	if o.InsecureSkipVerify {
		log.Debug("TLS certificate verification disabled (insecure_skip_verify=true)")
	}

	return out, errs
}

func parseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, errUnsupportedProxy
	}
	if u.Host == "" {
		return nil, errors.New("proxy host is empty")
	}
	return u, nil
}

// HTTPHeader builds the handshake request headers, cookies included.
func (o Options) HTTPHeader() http.Header {
	h := http.Header{}
	for _, hdr := range o.Headers {
		h.Add(hdr.Name, hdr.Value)
	}
	if len(o.Cookies) > 0 {
		// borrow net/http's cookie serialisation
		req := &http.Request{Header: http.Header{}}
		for _, c := range o.Cookies {
			req.AddCookie(c)
		}
		h.Set("Cookie", req.Header.Get("Cookie"))
	}
	return h
}

// TLSConfig returns the client TLS configuration for wss:// endpoints.
func (o Options) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: o.InsecureSkipVerify,
		RootCAs:            o.RootCAs,
		Certificates:       o.ClientCertificates,
	}
}

// ProxyFunc returns the proxy selector for the handshake request.
// Without an explicit proxy the environment (HTTPS_PROXY etc.) decides.
func (o Options) ProxyFunc() func(*http.Request) (*url.URL, error) {
	if o.Proxy == "" {
		return http.ProxyFromEnvironment
	}
	u, err := parseProxy(o.Proxy)
	if err != nil {
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(u)
}
