package emby

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/provider"
)

type webhookPayload struct {
	Event string `json:"Event"`
	Title string `json:"Title"`
	Item  item   `json:"Item"`
	User  struct {
		Name string `json:"Name"`
	} `json:"User"`
	Session struct {
		DeviceName     string `json:"DeviceName"`
		Client         string `json:"Client"`
		RemoteEndPoint string `json:"RemoteEndPoint"`
	} `json:"Session"`
	PlaybackInfo struct {
		PositionTicks int64 `json:"PositionTicks"`
	} `json:"PlaybackInfo"`
	Server struct {
		ID string `json:"Id"`
	} `json:"Server"`
}

// ParseWebhook normalises an Emby webhook. Emby posts either a JSON body or
// a multipart form whose "data" field holds the JSON.
func (c *Client) ParseWebhook(body []byte, form, args url.Values) (*provider.WebhookEvent, error) {
	raw := body
	if data := form.Get("data"); data != "" {
		raw = []byte(data)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.ParseError("invalid emby webhook payload", err)
	}
	if p.Event == "" {
		return nil, nil
	}

	ev := &provider.WebhookEvent{
		Event:      p.Event,
		Channel:    Name,
		ItemID:     p.Item.ID,
		UserName:   p.User.Name,
		DeviceName: p.Session.DeviceName,
		Client:     p.Session.Client,
		IP:         p.Session.RemoteEndPoint,
		Overview:   p.Item.Overview,
	}
	ev.TMDBID, _ = strconv.Atoi(p.Item.ProviderIDs["Tmdb"])

	switch strings.ToLower(p.Item.Type) {
	case "movie":
		ev.ItemType = provider.ItemMovie
		ev.ItemName = p.Item.Name
		if p.Item.ProductionYear > 0 {
			ev.ItemName += " (" + strconv.Itoa(p.Item.ProductionYear) + ")"
		}
	case "episode":
		ev.ItemType = provider.ItemTV
		ev.ItemName = p.Item.SeriesName
		ev.SeasonID = p.Item.ParentIndexNumber
		ev.EpisodeID = p.Item.IndexNumber
	case "series", "season":
		ev.ItemType = provider.ItemTV
		ev.ItemName = p.Item.Name
	case "audio", "musicalbum":
		ev.ItemType = provider.ItemAudio
		ev.ItemName = p.Item.Name
	default:
		ev.ItemName = p.Item.Name
	}

	if p.Item.RunTimeTicks > 0 && p.PlaybackInfo.PositionTicks > 0 {
		ev.Percentage = float64(p.PlaybackInfo.PositionTicks) / float64(p.Item.RunTimeTicks) * 100
	}
	if p.Item.ID != "" && c.baseURL != "" {
		ev.ImageURL = c.baseURL + "/Items/" + p.Item.ID + "/Images/Primary"
	}
	return ev, nil
}
