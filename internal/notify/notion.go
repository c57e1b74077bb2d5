package notify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/pkg/notion"
)

// NotionNotifier records each notification as a page in a Notion database.
type NotionNotifier struct {
	client notion.Client
	dbID   string
	now    func() time.Time
}

// NewNotion creates a NotionNotifier writing to database dbID.
func NewNotion(client notion.Client, dbID string) *NotionNotifier {
	return &NotionNotifier{client: client, dbID: dbID, now: time.Now}
}

func (n *NotionNotifier) Notify(ctx context.Context, channelID, text string) error {
	req := notion.AlertPage(n.dbID, notion.Alert{
		Title:   notion.TitleFor(text),
		Channel: channelID,
		Body:    text,
		At:      n.now().UTC(),
	})
	if _, err := n.client.CreatePage(ctx, req); err != nil {
		return eris.Wrap(err, "notify: notion")
	}
	return nil
}
