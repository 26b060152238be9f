package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Host markers of pre-built submission URLs
const (
	directSubmitHost = "submit.backtrace.io"
	tokenQuery       = "token="
)

// SubmissionURL returns the URL reports are posted to. Endpoints that already
// embed the token (direct submit host or a token query) are used as given;
// otherwise the token is appended to <endpoint>/post.
func SubmissionURL(endpoint, token string) (string, error) {
	if endpoint == "" {
		return "", ErrMissingEndpoint
	}
	if strings.Contains(endpoint, directSubmitHost) || strings.Contains(endpoint, tokenQuery) {
		return endpoint, nil
	}
	if token == "" {
		return "", fmt.Errorf("endpoint %q has no embedded token: %w", endpoint, ErrMissingToken)
	}

	sep := "/"
	if strings.HasSuffix(endpoint, "/") {
		sep = ""
	}
	return endpoint + sep + "post?format=json&token=" + url.QueryEscape(token), nil
}

// Coordinates identify a Backtrace instance and the token used to submit to it
type Coordinates struct {
	Universe string
	Token    string
}

// ParseEndpoint extracts universe and token from a submission URL. Recognized
// forms are https://submit.backtrace.io/<universe>/<token>/json and
// https://<universe>.sp.backtrace.io[:port]/post?format=json&token=<token>.
// Token is empty when the URL does not carry one.
func ParseEndpoint(endpoint string) (Coordinates, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Coordinates{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Hostname() == "" {
		return Coordinates{}, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, endpoint)
	}

	if u.Hostname() == directSubmitHost {
		// <universe>/<token> with an optional trailing json segment
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 3 && parts[2] == "json" {
			parts = parts[:2]
		}
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Coordinates{}, fmt.Errorf("%w: %q is not <universe>/<token>/json", ErrInvalidEndpoint, endpoint)
		}
		return Coordinates{Universe: parts[0], Token: parts[1]}, nil
	}

	universe, _, _ := strings.Cut(u.Hostname(), ".")
	return Coordinates{Universe: universe, Token: u.Query().Get("token")}, nil
}
