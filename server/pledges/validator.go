package pledges

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/mscno/pledges/server/model"
)

// Submission field names, as reported in FieldError.Field.
const (
	FieldName         = "name"
	FieldDescription  = "description"
	FieldURL          = "url"
	FieldEmail        = "email"
	FieldDomain       = "domain"
	FieldContributors = "contributors"
)

// Capability token actions.
const (
	ActionConfirmEmail = "confirm-pledge-email"
	ActionManagePledge = "manage-pledge"
)

// ConfirmSubject is the token subject of an email confirmation link. It binds
// the link to the address it was mailed to, so a link stops working once the
// contact email changes.
func ConfirmSubject(pledgeID, email string) string {
	return pledgeID + ":" + model.EmailKey(email)
}

// Mode selects the checks Validate applies.
type Mode int

const (
	ModeCreate Mode = iota
	ModeUpdate
)

// Submission is the organization form as sent by a visitor.
type Submission struct {
	OrgName        string   `json:"name"`
	OrgDescription string   `json:"description"`
	OrgURL         string   `json:"url"`
	Email          string   `json:"email"`
	Contributors   []string `json:"contributors,omitempty"`

	// Set for ModeUpdate only.
	PledgeID string `json:"-"`
	Token    string `json:"token,omitempty"`
}

// OrgFields are the cleaned organization attributes of a valid submission.
type OrgFields struct {
	Name        string
	Description string
	URL         string
	Domain      string
	Email       string
}

// TokenVerifier checks capability tokens.
type TokenVerifier interface {
	Verify(subject, action, token string) bool
}

// Validator checks submissions before any write happens. Its uniqueness
// checks only spare a round-trip: stores enforce uniqueness on commit.
type Validator struct {
	tokens  TokenVerifier
	pledges PledgeStore
}

func NewValidator(tokens TokenVerifier, pledges PledgeStore) *Validator {
	return &Validator{tokens: tokens, pledges: pledges}
}

// Validate runs the token check (update only), then every field check, then
// the uniqueness checks (create only). A token failure returns *AuthError
// before fields are looked at; field problems are returned together as one
// *ValidationError; the first uniqueness clash is returned as *ConflictError.
func (v *Validator) Validate(ctx context.Context, sub Submission, mode Mode) (OrgFields, error) {
	if mode == ModeUpdate && !v.tokens.Verify(sub.PledgeID, ActionManagePledge, sub.Token) {
		return OrgFields{}, &AuthError{}
	}

	fields, verr := checkFields(sub, mode)
	if err := verr.orNil(); err != nil {
		return OrgFields{}, err
	}

	if mode == ModeCreate {
		if err := v.checkUnique(ctx, fields); err != nil {
			return OrgFields{}, err
		}
	}
	return fields, nil
}

func checkFields(sub Submission, mode Mode) (OrgFields, *ValidationError) {
	verr := &ValidationError{}
	fields := OrgFields{
		Name:        strings.TrimSpace(sub.OrgName),
		Description: strings.TrimSpace(sub.OrgDescription),
		URL:         strings.TrimSpace(sub.OrgURL),
		Email:       strings.TrimSpace(sub.Email),
	}

	if fields.Name == "" {
		verr.add(FieldName, CodeRequiredFieldEmpty, "The name field does not have a value.")
	}
	if fields.Description == "" {
		verr.add(FieldDescription, CodeRequiredFieldEmpty, "The description field does not have a value.")
	}

	switch domain, err := NormalizeDomain(fields.URL); {
	case fields.URL == "":
		verr.add(FieldURL, CodeRequiredFieldEmpty, "The url field does not have a value.")
	case err != nil:
		verr.add(FieldURL, CodeRequiredFieldInvalid, "The url field has an invalid value.")
	default:
		fields.Domain = domain
	}

	switch {
	case fields.Email == "":
		verr.add(FieldEmail, CodeRequiredFieldEmpty, "The email field does not have a value.")
	case !validEmail(fields.Email):
		verr.add(FieldEmail, CodeRequiredFieldInvalid, "The email field has an invalid value.")
	}

	// On update a nil list leaves contributors untouched.
	if mode == ModeCreate || sub.Contributors != nil {
		if len(splitUsernames(sub.Contributors)) == 0 {
			verr.add(FieldContributors, CodeContributorRequired, "The pledge must have at least one contributor username.")
		}
	}
	return fields, verr
}

func (v *Validator) checkUnique(ctx context.Context, fields OrgFields) error {
	if _, err := v.pledges.FindPledgeByEmail(ctx, fields.Email); err == nil {
		return &ConflictError{Field: FieldEmail}
	} else if !errors.Is(err, model.ErrPledgeNotFound) {
		return fmt.Errorf("failed to check email uniqueness: %w", err)
	}

	if _, err := v.pledges.FindPledgeByDomain(ctx, fields.Domain); err == nil {
		return &ConflictError{Field: FieldDomain}
	} else if !errors.Is(err, model.ErrPledgeNotFound) {
		return fmt.Errorf("failed to check domain uniqueness: %w", err)
	}
	return nil
}

// NormalizeDomain returns the lowercased host of rawURL without a leading
// "www.". Only absolute http and https URLs are accepted.
func NormalizeDomain(rawURL string) (string, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") {
		return "", fmt.Errorf("url %q has no usable host", rawURL)
	}
	return host, nil
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	// Reject display names and other forms that parse to a different address.
	return addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@"):], ".")
}
