package bridge

import (
	"context"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
)

// Offline is the bridge used when no chat core is attached (headless
// CLI runs). Reads resolve to empty values; sending fails.
type Offline struct {
	locale string
}

// NewOffline creates an offline bridge reporting the given locale.
func NewOffline(locale string) *Offline {
	if locale == "" {
		locale = "en-US"
	}
	return &Offline{locale: locale}
}

func (o *Offline) CurrentChannelID(context.Context) (string, error) {
	return "", nil
}

func (o *Offline) CurrentUserID(context.Context) (string, error) {
	return "", nil
}

func (o *Offline) Locale() string {
	return o.locale
}

func (o *Offline) SendMessage(context.Context, []byte) error {
	return errors.New("no chat core connected")
}
