package transport

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/pkg/circuitbreaker"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Headers describing a package on the wire.
const (
	HeaderType   = "X-Replication-Type"
	HeaderAction = "X-Replication-Action"
	HeaderPath   = "X-Replication-Path"
	HeaderID     = "X-Replication-Id"
)

// SetPackageHeaders writes the X-Replication-* headers for pkg.
func SetPackageHeaders(h http.Header, pkg distribution.Package) {
	info := pkg.Info()
	h.Set(HeaderType, pkg.Type())
	h.Set(HeaderID, pkg.ID())
	if action := info.RequestType(); action != "" {
		h.Set(HeaderAction, string(action))
	}
	for _, p := range info.Paths() {
		h.Add(HeaderPath, p)
	}
}

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	Client    *http.Client             // default: client with Timeout
	Timeout   time.Duration            // per-request timeout (default: 30s)
	PullItems int                      // packages fetched per RetrievePackages (default: 1)
	Breakers  *circuitbreaker.Registry // shared per-host breakers, optional
	Metrics   MetricsRecorder          // optional
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
	if o.PullItems <= 0 {
		o.PullItems = 1
	}
	if o.Breakers == nil {
		o.Breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	return o
}

// HTTPTransport talks to one remote endpoint. Deliveries POST the package
// stream; retrievals POST a PULL request and read a package back.
type HTTPTransport struct {
	endpoint distribution.Endpoint
	secrets  SecretProvider
	packages PackageReader
	opts     HTTPOptions
	logger   *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTP creates a transport for endpoint. secrets may be nil for
// anonymous endpoints; packages may be nil for deliver-only transports.
func NewHTTP(endpoint distribution.Endpoint, secrets SecretProvider, packages PackageReader, opts HTTPOptions) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		secrets:  secrets,
		packages: packages,
		opts:     opts.withDefaults(),
		logger:   slog.With("component", "http-transport", "endpoint", endpoint.String()),
	}
}

// Endpoint returns the remote endpoint.
func (t *HTTPTransport) Endpoint() distribution.Endpoint { return t.endpoint }

// DeliverPackage implements Transport. Server errors and 429 are
// retryable; other non-2xx answers are not. An open circuit fails fast
// with a retryable error.
func (t *HTTPTransport) DeliverPackage(ctx context.Context, pkg distribution.Package) error {
	start := time.Now()
	err := t.guard(ctx, "deliver", func(ctx context.Context) error {
		body, err := pkg.Open()
		if err != nil {
			return apperrors.Internal("open package "+pkg.ID(), err)
		}
		defer body.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), body)
		if err != nil {
			return apperrors.Transport("build request", err, false)
		}
		if size := pkg.Size(); size > 0 {
			req.ContentLength = size
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		SetPackageHeaders(req.Header, pkg)
		if err := t.authorize(ctx, req); err != nil {
			return err
		}

		resp, err := t.opts.Client.Do(req)
		if err != nil {
			return apperrors.Transport("deliver to "+t.endpoint.Host(), err, true)
		}
		defer drain(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError("deliver to "+t.endpoint.Host(), resp)
		}
		return nil
	})
	t.record(ctx, "deliver", err, start)
	if err != nil {
		return err
	}
	t.logger.Debug("Package delivered", "package_id", pkg.ID())
	return nil
}

// RetrievePackages implements Transport. It pulls up to PullItems
// packages and stops early when the endpoint has nothing left. Packages
// already pulled are returned even if a later pull fails.
func (t *HTTPTransport) RetrievePackages(ctx context.Context, req *distribution.Request) ([]distribution.Package, error) {
	var pkgs []distribution.Package
	for i := 0; i < t.opts.PullItems; i++ {
		pkg, err := t.RetrievePackage(ctx, req)
		if err != nil {
			if len(pkgs) > 0 {
				t.logger.Warn("Pull interrupted", "retrieved", len(pkgs), "error", err)
				return pkgs, nil
			}
			return nil, err
		}
		if pkg == nil {
			break
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// RetrievePackage pulls one package. It returns (nil, nil) when the
// endpoint answers 404 or 204.
func (t *HTTPTransport) RetrievePackage(ctx context.Context, req *distribution.Request) (distribution.Package, error) {
	if t.packages == nil {
		return nil, apperrors.Internal("retrieve from "+t.endpoint.Host(), errors.New("no package reader configured"))
	}

	var pkg distribution.Package
	start := time.Now()
	err := t.guard(ctx, "retrieve", func(ctx context.Context) error {
		form := url.Values{"action": {string(distribution.RequestPull)}}
		if req != nil {
			form["path"] = req.Paths
		}
		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), strings.NewReader(form.Encode()))
		if err != nil {
			return apperrors.Transport("build request", err, false)
		}
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if err := t.authorize(ctx, hreq); err != nil {
			return err
		}

		resp, err := t.opts.Client.Do(hreq)
		if err != nil {
			return apperrors.Transport("retrieve from "+t.endpoint.Host(), err, true)
		}
		defer drain(resp.Body)

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return statusError("retrieve from "+t.endpoint.Host(), resp)
		}

		pkg, err = t.packages.ReadPackage(ctx, resp.Body)
		if err != nil {
			return err
		}
		pkg.Info()[distribution.InfoOrigin] = t.endpoint.String()
		return nil
	})
	t.record(ctx, "retrieve", err, start)
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// guard runs fn behind the endpoint's circuit breaker. Only retryable
// failures count against the breaker.
func (t *HTTPTransport) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	breaker := t.opts.Breakers.Get(t.endpoint.Host())
	err := breaker.Do(ctx, fn, func(err error) bool { return !apperrors.Retryable(err) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.Transport(op+" to "+t.endpoint.Host(), err, true)
	}
	return err
}

func (t *HTTPTransport) authorize(ctx context.Context, req *http.Request) error {
	if t.secrets == nil {
		return nil
	}
	secret, err := t.secrets.Secret(ctx, t.endpoint)
	if err != nil {
		return apperrors.Transport("resolve secret for "+t.endpoint.Host(), err, false)
	}
	secret.Apply(req)
	return nil
}

func (t *HTTPTransport) record(ctx context.Context, op string, err error, start time.Time) {
	if t.opts.Metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "circuit_open"
	case err != nil:
		outcome = "failure"
	}
	t.opts.Metrics.RecordTransportCall(ctx, t.endpoint.Host(), op, outcome, time.Since(start).Seconds())
}

// statusError turns a non-2xx response into a transport error.
func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	return apperrors.Transport(op, cause, apperrors.RetryableStatus(resp.StatusCode))
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
