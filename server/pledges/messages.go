package pledges

import (
	"fmt"
	"net/url"
	"strings"
)

// Links builds the absolute URLs placed in emails.
type Links struct {
	BaseURL        string
	ProfileEditURL string
}

func (l Links) base() string {
	return strings.TrimRight(l.BaseURL, "/")
}

func (l Links) Pledge(pledgeID string) string {
	return fmt.Sprintf("%s/pledges/%s", l.base(), url.PathEscape(pledgeID))
}

func (l Links) ConfirmEmail(pledgeID, token string) string {
	return fmt.Sprintf("%s/api/v1/pledges/%s/confirm?token=%s", l.base(), url.PathEscape(pledgeID), url.QueryEscape(token))
}

func (l Links) Manage(pledgeID, token string) string {
	return fmt.Sprintf("%s/pledges/%s/manage?token=%s", l.base(), url.PathEscape(pledgeID), url.QueryEscape(token))
}

func (l Links) MyPledges() string {
	return l.base() + "/my-pledges"
}

type message struct {
	subject string
	body    string
}

func confirmEmailMessage(links Links, orgName, pledgeID, token string) message {
	return message{
		subject: "Confirm your pledge email",
		body: fmt.Sprintf("Thanks for pledging on behalf of %s. Please confirm this email address by opening the link below:\n\n%s\n",
			orgName, links.ConfirmEmail(pledgeID, token)),
	}
}

func manageLinkMessage(links Links, pledgeID, token string) message {
	return message{
		subject: "Updating your Pledge",
		body:    "Howdy, please open this link to update your pledge:\n\n" + links.Manage(pledgeID, token),
	}
}

func contributorMessage(links Links, orgName, pledgeID string, user PlatformUser) message {
	var b strings.Builder
	fmt.Fprintf(&b, "Howdy %s, %s has created a pledge and listed you as one of the contributors that they sponsor. You can view their pledge at:\n\n", user.DisplayName(), orgName)
	fmt.Fprintf(&b, "%s\n\n", links.Pledge(pledgeID))
	fmt.Fprintf(&b, "To confirm that they're sponsoring your contributions, please review your pledges at:\n\n%s\n\n", links.MyPledges())
	if links.ProfileEditURL != "" {
		fmt.Fprintf(&b, "Please also update your profile to include the number of hours per week that you contribute:\n\n%s\n\n", links.ProfileEditURL)
	}
	fmt.Fprintf(&b, "If %s isn't sponsoring your contributions, then you can ignore this email, and you won't be listed on their pledge.", orgName)
	return message{
		subject: fmt.Sprintf("Confirm your %s sponsorship", orgName),
		body:    b.String(),
	}
}
