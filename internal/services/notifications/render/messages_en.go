package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "notification.generic.title", defaultGenericTitle)
	message.SetString(lang, "notification.generic.body", defaultGenericBody)
	message.SetString(lang, "notification.error.title", "Error")
	message.SetString(lang, "notification.announcement.title", "New Announcement")
	message.SetString(lang, "notification.assignment.title", "New Assignment")
	message.SetString(lang, "notification.session.profile_timeout.body", "Failed to load user profile")
	message.SetString(lang, "notification.session.provider_error.body", "Could not reach the sign-in service")
	message.SetString(lang, "notification.session.logout_failed.body", "Failed to log out")
}
