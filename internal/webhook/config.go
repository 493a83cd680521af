package webhook

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/mattjoyce/isca/internal/config"
)

// Config holds everything the Receiver needs. It is read-only once the
// Receiver starts.
type Config struct {
	Addr         string
	Path         string
	Secret       string
	BeforeAction string
	AfterAction  string
	MaxBodySize  int64

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	ActionTimeout time.Duration

	// ShutdownTimeout bounds the graceful stop, including in-flight actions.
	ShutdownTimeout time.Duration
}

// FromSettings derives the receiver configuration from resolved credentials
// and the settings file.
func FromSettings(creds config.Credentials, s *config.Settings) (Config, error) {
	if s == nil {
		s = config.Defaults()
	}

	addr, err := ListenAddr(creds.CallbackURL())
	if err != nil {
		return Config{}, err
	}
	path, err := CallbackPath(creds.CallbackURL())
	if err != nil {
		return Config{}, err
	}
	maxBody, err := config.ParseSize(s.Receiver.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("receiver max_body_size %q: %w", s.Receiver.MaxBodySize, err)
	}

	return Config{
		Addr:          addr,
		Path:          path,
		Secret:        creds.Secret(),
		BeforeAction:  creds.BeforeAction(),
		AfterAction:   creds.AfterAction(),
		MaxBodySize:   maxBody,
		ReadTimeout:   s.Receiver.ReadTimeout,
		WriteTimeout:  s.Receiver.WriteTimeout,
		IdleTimeout:   s.Receiver.IdleTimeout,
		ActionTimeout: s.Actions.Timeout,
	}, nil
}

// ListenAddr returns host:port for a callback URL. The port defaults to 80 for
// http and 443 for https. An empty host listens on all interfaces.
func ListenAddr(callbackURL string) (string, error) {
	u, err := parseCallback(callbackURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// CallbackPath returns the path deliveries are posted to, "/" when empty.
func CallbackPath(callbackURL string) (string, error) {
	u, err := parseCallback(callbackURL)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

func parseCallback(callbackURL string) (*url.URL, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("parse callback url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("callback url %q: scheme must be http or https", callbackURL)
	}
	return u, nil
}
