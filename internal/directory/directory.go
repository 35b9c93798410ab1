package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidCredentials = errors.New("directory rejected credentials")
	// ErrPasswordEqualsBirthdate marks the weak-default-password pattern on
	// freshly provisioned accounts. Recoverable: the caller should prompt
	// for a password change instead of rejecting outright.
	ErrPasswordEqualsBirthdate = errors.New("password equals birthdate")
	ErrUnavailable             = errors.New("directory unavailable")
)

// Hint classifies a successfully authenticated directory user.
type Hint int

const (
	// Standard is an ordinary directory member.
	Standard Hint = iota
	// Elevated means staff-group membership.
	Elevated
)

func (h Hint) String() string {
	if h == Elevated {
		return "elevated"
	}
	return "standard"
}

const (
	attrAccountName = "sAMAccountName"
	attrSurname     = "sn"
	attrGivenName   = "givenName"
	attrDisplayName = "displayName"
	attrMemberOf    = "memberOf"
	attrInfo        = "info"
)

type Config struct {
	URL        string
	Domain     string
	BindDN     string
	BindPass   string
	SearchBase string
	StaffGroup string
	Timeout    time.Duration
}

// Client authenticates end users against an external directory over
// bind+search. Every call opens and releases a fresh connection.
type Client struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, log: log.With().Str("component", "directory").Logger()}
}

// Authenticate binds as the service identity, re-binds as the user to check
// the password, then searches the user's entry for group membership and the
// stored birthdate. Staff members pass unconditionally; everyone else must
// not be using their birthdate as password.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Hint, error) {
	if password == "" {
		return Standard, ErrInvalidCredentials
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Warn().Str("op", "dial").Str("user", username).Err(err).Msg("directory unreachable")
		return Standard, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPass); err != nil {
		c.log.Error().Str("op", "service_bind").Err(err).Msg("service bind failed")
		return Standard, fmt.Errorf("%w: service bind: %v", ErrUnavailable, err)
	}

	userPrincipal := username
	if c.cfg.Domain != "" && !strings.Contains(username, "@") {
		userPrincipal = username + "@" + c.cfg.Domain
	}
	if err := conn.Bind(userPrincipal, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			c.log.Info().Str("op", "user_bind").Str("user", username).Msg("invalid credentials")
			return Standard, ErrInvalidCredentials
		}
		c.log.Warn().Str("op", "user_bind").Str("user", username).Err(err).Msg("bind error")
		return Standard, fmt.Errorf("%w: user bind: %v", ErrUnavailable, err)
	}

	entry, err := c.searchUser(conn, username)
	if err != nil {
		return Standard, err
	}

	if c.isStaff(entry.GetAttributeValues(attrMemberOf)) {
		return Elevated, nil
	}

	if birth := normalizeBirthdate(entry.GetAttributeValue(attrInfo)); birth != "" && password == birth {
		c.log.Info().Str("op", "authenticate").Str("user", username).Msg("password equals birthdate")
		return Standard, ErrPasswordEqualsBirthdate
	}
	return Standard, nil
}

func (c *Client) dial(ctx context.Context) (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := ldap.DialURL(c.cfg.URL, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(c.cfg.Timeout)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < c.cfg.Timeout {
			conn.SetTimeout(remaining)
		}
	}
	return conn, nil
}

func (c *Client) searchUser(conn *ldap.Conn, username string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		c.cfg.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1, 0, false,
		fmt.Sprintf("(%s=%s)", attrAccountName, ldap.EscapeFilter(username)),
		[]string{attrAccountName, attrSurname, attrGivenName, attrDisplayName, attrMemberOf, attrInfo},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil && len(res.Entries) > 0 {
			return res.Entries[0], nil
		}
		c.log.Warn().Str("op", "search").Str("user", username).Err(err).Msg("search failed")
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	if len(res.Entries) == 0 {
		return nil, ErrInvalidCredentials
	}
	return res.Entries[0], nil
}

func (c *Client) isStaff(groups []string) bool {
	if c.cfg.StaffGroup == "" {
		return false
	}
	for _, group := range groups {
		if strings.EqualFold(group, c.cfg.StaffGroup) {
			return true
		}
	}
	return false
}

// normalizeBirthdate extracts the DDMMYYYY digits from the free-text info
// attribute, stripping any separators.
func normalizeBirthdate(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() != 8 {
		return ""
	}
	return digits.String()
}
