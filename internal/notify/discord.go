package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"anomaly_bot/internal/models"
)

// лимит Discord на значение поля embed
const discordFieldLimit = 1024

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields,omitempty"`
	Footer    discordFooter  `json:"footer"`
	Timestamp string         `json:"timestamp,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Discord шлёт события в webhook как embed.
type Discord struct {
	url    string
	footer string
	http   *http.Client
}

func NewDiscord(webhookURL, footer string) *Discord {
	return &Discord{
		url:    webhookURL,
		footer: footer,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, ev models.Event) error {
	embed := discordEmbed{
		Title:  Title(ev),
		Color:  Color(ev),
		Footer: discordFooter{Text: d.footer},
	}
	if !ev.At.IsZero() {
		embed.Timestamp = ev.At.UTC().Format(time.RFC3339)
	}
	for _, f := range Fields(ev) {
		v := f.Value
		if len(v) > discordFieldLimit {
			v = v[:discordFieldLimit-3] + "..."
		}
		embed.Fields = append(embed.Fields, discordField{
			Name:   f.Name,
			Value:  v,
			Inline: f.Name != "Reason" && f.Name != "Error",
		})
	}

	data, err := sonic.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return errors.Wrap(err, "marshal discord payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "new discord request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "post discord webhook")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("discord returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
