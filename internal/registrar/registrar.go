package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/isca/internal/config"
	"github.com/mattjoyce/isca/internal/githubapi"
	"github.com/mattjoyce/isca/internal/state"
)

// Fixed parts of every registration request.
const (
	HookName        = "web"
	PushEvent       = "push"
	ContentTypeJSON = "json"
)

const (
	hooksPerPage = 100
	maxHookPages = 50
)

// HookID is the identifier the hosting API assigns to a webhook.
type HookID int64

func (id HookID) String() string { return strconv.FormatInt(int64(id), 10) }

// APIClient is the subset of githubapi.Client the registrar needs.
type APIClient interface {
	Post(ctx context.Context, url string, payload any, token string, out any) error
	Get(ctx context.Context, url string, token string, out any) error
	Delete(ctx context.Context, url string, token string) error
}

// Ledger records hooks locally. A nil Ledger disables recording.
type Ledger interface {
	Record(ctx context.Context, rec state.HookRecord) error
	Delete(ctx context.Context, repository string, hookID int64) error
}

// Options tune registration.
type Options struct {
	APIBase string
	// Idempotent reuses an existing hook with the same callback URL.
	Idempotent  bool
	MaxAttempts int
	BackoffBase time.Duration
}

// RegistrationError wraps any failure to create a hook with the context an
// operator needs to act on it.
type RegistrationError struct {
	Repository string
	URL        string
	Err        error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register webhook for %s at %s: %v", e.Repository, e.URL, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Registrar creates webhooks through the hosting API.
type Registrar struct {
	client APIClient
	ledger Ledger
	opts   Options
	logger *slog.Logger
}

// New builds a Registrar. Zero options fall back to the public API and a single attempt.
func New(client APIClient, ledger Ledger, opts Options, logger *slog.Logger) *Registrar {
	if opts.APIBase == "" {
		opts.APIBase = config.DefaultAPIURL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &Registrar{client: client, ledger: ledger, opts: opts, logger: logger}
}

// HooksURL joins the API base with repos/<repository>/hooks.
func HooksURL(apiBase, repository string) (string, error) {
	repository = strings.Trim(repository, "/")
	if repository == "" {
		return "", fmt.Errorf("repository is empty")
	}
	u, err := url.JoinPath(apiBase, "repos", repository, "hooks")
	if err != nil {
		return "", fmt.Errorf("build hooks url: %w", err)
	}
	return u, nil
}

// NewHookRequest builds the registration payload for creds.
func NewHookRequest(creds config.Credentials) githubapi.HookRequest {
	return githubapi.HookRequest{
		Name:   HookName,
		Active: true,
		Events: []string{PushEvent},
		Config: githubapi.HookConfig{
			URL:         creds.CallbackURL(),
			ContentType: ContentTypeJSON,
			Secret:      creds.Secret(),
			InsecureSSL: "0",
		},
	}
}

// CreateHook registers a push webhook for creds and returns its identifier.
// Calling it twice creates two hooks unless Options.Idempotent is set.
func (r *Registrar) CreateHook(ctx context.Context, creds config.Credentials) (HookID, error) {
	hooksURL, err := HooksURL(r.opts.APIBase, creds.Repository())
	if err != nil {
		return 0, &RegistrationError{Repository: creds.Repository(), URL: r.opts.APIBase, Err: err}
	}
	fail := func(err error) (HookID, error) {
		return 0, &RegistrationError{Repository: creds.Repository(), URL: hooksURL, Err: err}
	}

	if r.opts.Idempotent {
		existing, err := r.findByCallback(ctx, creds)
		if err != nil {
			return fail(err)
		}
		if existing != 0 {
			r.logger.Info("webhook already exists", "repository", creds.Repository(), "hook_id", int64(existing))
			r.record(ctx, creds, existing)
			return existing, nil
		}
	}

	var (
		hook    githubapi.Hook
		attempt int
		reused  bool
	)
	err = r.retry(ctx, hooksURL, func() error {
		attempt++
		// A timed-out POST may still have created the hook.
		if attempt > 1 && r.opts.Idempotent {
			hooks, err := r.listPages(ctx, hooksURL, creds.AccessToken())
			if err != nil {
				return err
			}
			if id := matchCallback(hooks, creds.CallbackURL()); id != 0 {
				hook.ID, reused = int64(id), true
				return nil
			}
		}
		return r.client.Post(ctx, hooksURL, NewHookRequest(creds), creds.AccessToken(), &hook)
	})
	if err != nil {
		return fail(err)
	}
	if hook.ID == 0 {
		return fail(&githubapi.APIError{Message: "response missing id"})
	}

	id := HookID(hook.ID)
	if reused {
		r.logger.Info("webhook found after retry", "repository", creds.Repository(), "hook_id", hook.ID)
	} else {
		r.logger.Info("webhook created", "repository", creds.Repository(), "hook_id", hook.ID)
	}
	r.record(ctx, creds, id)
	return id, nil
}

// ListHooks returns every hook configured on the repository, following pages
// until a short one.
func (r *Registrar) ListHooks(ctx context.Context, creds config.Credentials) ([]githubapi.Hook, error) {
	hooksURL, err := HooksURL(r.opts.APIBase, creds.Repository())
	if err != nil {
		return nil, err
	}
	var hooks []githubapi.Hook
	err = r.retry(ctx, hooksURL, func() error {
		var err error
		hooks, err = r.listPages(ctx, hooksURL, creds.AccessToken())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list hooks for %s: %w", creds.Repository(), err)
	}
	return hooks, nil
}

func (r *Registrar) listPages(ctx context.Context, hooksURL, token string) ([]githubapi.Hook, error) {
	var hooks []githubapi.Hook
	for page := 1; page <= maxHookPages; page++ {
		var batch []githubapi.Hook
		pageURL := fmt.Sprintf("%s?per_page=%d&page=%d", hooksURL, hooksPerPage, page)
		if err := r.client.Get(ctx, pageURL, token, &batch); err != nil {
			return nil, err
		}
		hooks = append(hooks, batch...)
		if len(batch) < hooksPerPage {
			break
		}
	}
	return hooks, nil
}

// DeleteHook removes a hook remotely and forgets it locally.
func (r *Registrar) DeleteHook(ctx context.Context, creds config.Credentials, id HookID) error {
	hooksURL, err := HooksURL(r.opts.APIBase, creds.Repository())
	if err != nil {
		return err
	}
	hookURL := hooksURL + "/" + id.String()
	if err := r.client.Delete(ctx, hookURL, creds.AccessToken()); err != nil {
		return fmt.Errorf("delete hook %s for %s: %w", id, creds.Repository(), err)
	}
	r.logger.Info("webhook deleted", "repository", creds.Repository(), "hook_id", int64(id))

	if r.ledger != nil {
		if err := r.ledger.Delete(ctx, creds.Repository(), int64(id)); err != nil {
			r.logger.Warn("failed to forget hook in ledger", "hook_id", int64(id), "error", err)
		}
	}
	return nil
}

func (r *Registrar) findByCallback(ctx context.Context, creds config.Credentials) (HookID, error) {
	hooks, err := r.ListHooks(ctx, creds)
	if err != nil {
		return 0, err
	}
	return matchCallback(hooks, creds.CallbackURL()), nil
}

func matchCallback(hooks []githubapi.Hook, callbackURL string) HookID {
	for _, h := range hooks {
		if h.Config.URL == callbackURL {
			return HookID(h.ID)
		}
	}
	return 0
}

// retry repeats fn on transport failures only; an API answer is final.
func (r *Registrar) retry(ctx context.Context, target string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BackoffBase
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var tErr *githubapi.TransportError
		if !errors.As(err, &tErr) {
			return backoff.Permanent(err)
		}
		if attempt < r.opts.MaxAttempts {
			r.logger.Warn("hosting api unreachable, retrying", "url", target, "attempt", attempt, "error", err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.MaxAttempts-1)), ctx)
	return backoff.Retry(op, policy)
}

func (r *Registrar) record(ctx context.Context, creds config.Credentials, id HookID) {
	if r.ledger == nil {
		return
	}
	err := r.ledger.Record(ctx, state.HookRecord{
		Repository:        creds.Repository(),
		HookID:            int64(id),
		CallbackURL:       creds.CallbackURL(),
		SecretFingerprint: creds.SecretFingerprint(),
		CreatedAt:         time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to record hook in ledger", "hook_id", int64(id), "error", err)
	}
}
