package domain

import "context"

// Automation is the desktop messaging client as seen through the UI-automation
// helper. Implementations are call-scoped: every method acquires its own
// client handle and releases it before returning.
type Automation interface {
	// CurrentUser returns the nickname of the logged-in session.
	CurrentUser(ctx context.Context) (string, error)
	// Contacts lists the friends the client knows about.
	Contacts(ctx context.Context) ([]string, error)
	// SendText opens the chat named who and submits text.
	SendText(ctx context.Context, who, text string) error
	// SendFile opens the chat named who and submits the file at path.
	SendFile(ctx context.Context, who, path string) error
}
