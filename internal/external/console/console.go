// Package console is a messager that writes notifications to the
// application log and accepts user messages posted as JSON or form data.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/provider"
)

// Name is the messager channel id
const Name = "console"

// Messager logs outbound messages
type Messager struct {
	log *logger.Logger
}

// New creates a console messager writing to log, or the app logger when nil
func New(log *logger.Logger) *Messager {
	if log == nil {
		log = logger.AppLogger()
	}
	return &Messager{log: log}
}

// Name implements provider.Provider
func (m *Messager) Name() string {
	return Name
}

// Send logs a notification
func (m *Messager) Send(ctx context.Context, n provider.Notification) error {
	m.log.WithFields(map[string]interface{}{
		"channel": Name,
		"userid":  n.UserID,
		"text":    n.Text,
		"image":   n.Image,
		"link":    n.Link,
	}).InfoContext(ctx, n.Title)
	return nil
}

// SendMediaSelection logs a numbered list of works
func (m *Messager) SendMediaSelection(ctx context.Context, title string, medias []*media.MediaInfo, userID string) (bool, error) {
	lines := make([]string, 0, len(medias))
	for i, mi := range medias {
		lines = append(lines, fmt.Sprintf("%d. %s [%s]", i+1, mi.TitleYear(), mi.Type))
	}
	return true, m.Send(ctx, provider.Notification{Title: title, Text: strings.Join(lines, "\n"), UserID: userID})
}

// SendTorrentSelection logs a numbered list of candidates
func (m *Messager) SendTorrentSelection(ctx context.Context, title string, torrents []*media.Context, userID string) (bool, error) {
	lines := make([]string, 0, len(torrents))
	for i, c := range torrents {
		if c.Torrent == nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] %s %.2fGB %d↑", i+1, c.Torrent.Site, c.Torrent.Title, c.Torrent.SizeGB(), c.Torrent.Seeders))
	}
	return true, m.Send(ctx, provider.Notification{Title: title, Text: strings.Join(lines, "\n"), UserID: userID})
}

// ParseInbound accepts {"userid","username","text"} as JSON or form fields
func (m *Messager) ParseInbound(body []byte, form, args url.Values) (*provider.IncomingMessage, error) {
	msg := &provider.IncomingMessage{Channel: Name}
	if len(body) > 0 && strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		var in struct {
			UserID   string `json:"userid"`
			Username string `json:"username"`
			Text     string `json:"text"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, errors.ParseError("invalid console message", err)
		}
		msg.UserID, msg.Username, msg.Text = in.UserID, in.Username, in.Text
	} else {
		msg.UserID = first(form.Get("userid"), args.Get("userid"))
		msg.Username = first(form.Get("username"), args.Get("username"))
		msg.Text = first(form.Get("text"), args.Get("text"))
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return nil, nil
	}
	if msg.Username == "" {
		msg.Username = msg.UserID
	}
	return msg, nil
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
