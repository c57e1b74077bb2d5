package notion

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jomei/notionapi"
)

// maxRichText is Notion's per-object rich text content limit.
const maxRichText = 2000

// Alert is one notification recorded as a database page.
type Alert struct {
	Title   string
	Channel string
	Body    string
	At      time.Time
}

// AlertPage builds a page request for dbID. The database is expected to have
// a "Name" title property and "Channel" and "Body" rich text properties.
func AlertPage(dbID string, a Alert) *notionapi.PageCreateRequest {
	at := notionapi.Date(a.At)
	return &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: notionapi.Properties{
			"Name": notionapi.TitleProperty{
				Type:  notionapi.PropertyTypeTitle,
				Title: richText(a.Title),
			},
			"Channel": notionapi.RichTextProperty{
				Type:     notionapi.PropertyTypeRichText,
				RichText: richText(a.Channel),
			},
			"Body": notionapi.RichTextProperty{
				Type:     notionapi.PropertyTypeRichText,
				RichText: richText(a.Body),
			},
			"Sent At": notionapi.DateProperty{
				Type: notionapi.PropertyTypeDate,
				Date: &notionapi.DateObject{Start: &at},
			},
		},
	}
}

// TitleFor returns the first non-empty line of text.
func TitleFor(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return truncate(line, 200)
		}
	}
	return "Outreach alert"
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: truncate(s, maxRichText)}},
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
