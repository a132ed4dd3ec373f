package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/threatwatch"
	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"

	"github.com/slack-go/slack"
)

const (
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"

	defaultTelegramEndpoint = "https://api.telegram.org"
)

type AlertServiceArguments struct {
	SlackIncomingWebhookURL string
	TelegramToken           string
	TelegramChatID          string
	TelegramEndpoint        string
	HTTPClient              adaptor.HTTPClient

	// Repository is used to mark alerted threats. Threats are not marked if nil.
	Repository *RepositoryService
}

type AlertService struct {
	args *AlertServiceArguments
}

func NewAlertService(args *AlertServiceArguments) *AlertService {
	if args.TelegramEndpoint == "" {
		args.TelegramEndpoint = defaultTelegramEndpoint
	}
	return &AlertService{
		args: args,
	}
}

// Channels returns names of configured channels
func (x *AlertService) Channels() []string {
	var channels []string
	if x.args.SlackIncomingWebhookURL != "" {
		channels = append(channels, ChannelSlack)
	}
	if x.args.TelegramToken != "" && x.args.TelegramChatID != "" {
		channels = append(channels, ChannelTelegram)
	}
	return channels
}

// Up to 3 threats in slack message
const maxItemDisplaySlack = 3

func defang(s string) string {
	return strings.Replace(s, ".", "[.]", -1)
}

func formatTime(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}

func (x *AlertService) post(ctx context.Context, url string, msg interface{}) ([]byte, error) {
	if x.args.HTTPClient == nil {
		return nil, errors.New("HTTPClient is required in AlertServiceArguments, but not set")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(raw))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create a new HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.args.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to post message in communication")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("Failed to post message in API").
			With("code", resp.StatusCode).With("body", string(body))
	}
	return body, nil
}

func threatTitle(t *threatwatch.Threat) string {
	return fmt.Sprintf("%s (%s)", defang(t.Data), t.Type)
}

// SlackMessage builds block kit message listing up to 3 threats
func SlackMessage(title string, threats []*threatwatch.Threat) slack.Message {
	newField := func(title, value string) *slack.TextBlockObject {
		if value == "" {
			value = "-"
		}
		return slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*\n%s", title, value), false, false)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", title, true, false)),
		slack.NewDividerBlock(),
	}

	for i, t := range threats {
		if i >= maxItemDisplaySlack {
			break
		}

		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", threatTitle(t)), false, false),
			[]*slack.TextBlockObject{
				newField("Source", t.Source),
				newField("Type", string(t.ThreatType)),
				newField("Risk", fmt.Sprintf("%d", t.RiskScore)),
				newField("DetectedAt", formatTime(t.DetectedAt)),
				newField("Tags", strings.Join(t.Tags, ", ")),
				newField("Description", defang(t.Description)),
			}, nil),
		)
	}

	if len(threats) > maxItemDisplaySlack {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("_and %d more_", len(threats)-maxItemDisplaySlack), false, false),
			nil, nil))
	}

	return slack.NewBlockMessage(blocks...)
}

// EmitToSlack posts one message about threats
func (x *AlertService) EmitToSlack(ctx context.Context, title string, threats []*threatwatch.Threat) error {
	if x.args.SlackIncomingWebhookURL == "" {
		return errors.New("SlackIncomingWebhookURL is required in AlertServiceArguments to emit Slack, but not set")
	}

	msg := SlackMessage(title, threats)
	if _, err := x.post(ctx, x.args.SlackIncomingWebhookURL, msg); err != nil {
		return errors.Wrap(err, "Failed to post message to slack").With("threats", len(threats))
	}
	return nil
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramText formats a threat as Telegram Markdown text
func TelegramText(t *threatwatch.Threat) string {
	var b strings.Builder
	b.WriteString("🚨 *New Threat Detected*\n")
	fmt.Fprintf(&b, "*Type:* %s\n", t.ThreatType)
	fmt.Fprintf(&b, "*Indicator:* `%s`\n", defang(t.Data))
	fmt.Fprintf(&b, "*Source:* %s\n", t.Source)
	fmt.Fprintf(&b, "*Risk:* %d\n", t.RiskScore)
	if len(t.Keywords) > 0 {
		fmt.Fprintf(&b, "*Keywords:* %s\n", strings.Join(t.Keywords, ", "))
	}
	if len(t.Tags) > 0 {
		fmt.Fprintf(&b, "*Tags:* %s\n", strings.Join(t.Tags, ", "))
	}
	fmt.Fprintf(&b, "*Detected:* %s", formatTime(t.DetectedAt))
	return b.String()
}

// EmitToTelegram sends text by Bot API sendMessage
func (x *AlertService) EmitToTelegram(ctx context.Context, text string) error {
	if x.args.TelegramToken == "" || x.args.TelegramChatID == "" {
		return errors.New("TelegramToken and TelegramChatID are required in AlertServiceArguments to emit Telegram, but not set")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", x.args.TelegramEndpoint, x.args.TelegramToken)
	body, err := x.post(ctx, url, &telegramMessage{
		ChatID:                x.args.TelegramChatID,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return errors.Wrap(err, "Failed to send telegram message")
	}

	var resp telegramResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.Wrap(err, "Failed to parse telegram response").With("body", string(body))
	}
	if !resp.OK {
		return errors.New("Telegram API returned error").With("description", resp.Description)
	}
	return nil
}

// NotifyResult is summary of Notify
type NotifyResult struct {
	Alerted int
	Sent    map[string]int
	Errors  []error
}

// Notify sends threats to all configured channels. Slack receives one message
// for all threats and Telegram receives one message per threat. A threat is
// marked as alerted only if at least one channel delivered it.
func (x *AlertService) Notify(ctx context.Context, threats []*threatwatch.Threat) (*NotifyResult, error) {
	result := &NotifyResult{Sent: map[string]int{}}
	if len(threats) == 0 {
		return result, nil
	}

	channels := x.Channels()
	if len(channels) == 0 {
		return nil, errors.New("No alert channel is configured")
	}

	delivered := make([]bool, len(threats))
	for _, ch := range channels {
		switch ch {
		case ChannelSlack:
			title := fmt.Sprintf(":rotating_light: %d new threat(s) detected", len(threats))
			if err := x.EmitToSlack(ctx, title, threats); err != nil {
				logger.Warn().Err(err).Msg("Slack alert failed")
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Sent[ch]++
			for i := range delivered {
				delivered[i] = true
			}

		case ChannelTelegram:
			for i, t := range threats {
				if err := x.EmitToTelegram(ctx, TelegramText(t)); err != nil {
					logger.Warn().Err(err).Str("value", t.Data).Msg("Telegram alert failed")
					result.Errors = append(result.Errors, err)
					if ctx.Err() != nil {
						break
					}
					continue
				}
				result.Sent[ch]++
				delivered[i] = true
			}
		}
	}

	for i, t := range threats {
		if !delivered[i] {
			continue
		}
		result.Alerted++
		if x.args.Repository == nil {
			continue
		}
		if err := x.args.Repository.MarkAlerted(t); err != nil {
			return result, errors.Wrap(err, "Failed to mark threat alerted").With("value", t.Data)
		}
	}

	return result, nil
}

// DigestText summarizes threats of the day
func DigestText(day time.Time, newToday int, recent []*threatwatch.Threat) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Daily Threat Digest %s*\n", day.Format("2006-01-02"))
	fmt.Fprintf(&b, "New threats today: %d\n", newToday)
	for _, t := range recent {
		fmt.Fprintf(&b, "• [%s] %s (%s, risk %d)\n", t.ThreatType, defang(t.Data), t.Source, t.RiskScore)
	}
	return b.String()
}

const maxDigestItems = 20

// DailyDigest sends count of threats detected today and the most recent 20
// threats to all configured channels
func (x *AlertService) DailyDigest(ctx context.Context, now time.Time) (*NotifyResult, error) {
	if x.args.Repository == nil {
		return nil, errors.New("Repository is required in AlertServiceArguments for digest")
	}

	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	todays, err := x.args.Repository.Search(&threatwatch.ThreatQuery{From: today})
	if err != nil {
		return nil, err
	}
	recent, err := x.args.Repository.Search(&threatwatch.ThreatQuery{
		SortBy: threatwatch.SortByDetectedAt,
		Desc:   true,
		Limit:  maxDigestItems,
	})
	if err != nil {
		return nil, err
	}

	text := DigestText(today, len(todays), recent)
	result := &NotifyResult{Sent: map[string]int{}}

	for _, ch := range x.Channels() {
		var err error
		switch ch {
		case ChannelSlack:
			msg := slack.NewBlockMessage(
				slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil),
			)
			_, err = x.post(ctx, x.args.SlackIncomingWebhookURL, msg)
		case ChannelTelegram:
			err = x.EmitToTelegram(ctx, text)
		}
		if err != nil {
			logger.Warn().Err(err).Str("channel", ch).Msg("Digest delivery failed")
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Sent[ch]++
	}

	if len(result.Sent) == 0 && len(result.Errors) > 0 {
		return result, errors.Wrap(result.Errors[0], "Digest was not delivered to any channel")
	}
	return result, nil
}
