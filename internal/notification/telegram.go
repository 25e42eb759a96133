package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to a chat through the Bot API.
type TelegramNotifier struct {
	poster
	chatID  string
	baseURL string
}

// NewTelegramNotifier creates a notifier for botToken sending to chatID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		poster:  newPoster("telegram"),
		chatID:  chatID,
		baseURL: fmt.Sprintf("%s/bot%s", telegramAPI, botToken),
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	msg := telegramMessage{ChatID: t.chatID, Text: formatTelegram(alert), ParseMode: "MarkdownV2"}
	if err := t.postJSON(ctx, t.baseURL+"/sendMessage", msg); err != nil {
		return err
	}
	log.Printf("[telegram] sent %s alert: %s", alert.Level, alert.Title)
	return nil
}

// formatTelegram renders an alert as MarkdownV2: a marked title line, the
// strategy and instrument in monospace, then the message.
func formatTelegram(a Alert) string {
	var b strings.Builder
	switch a.Level {
	case AlertCritical:
		b.WriteString("🚨 ")
	case AlertWarning:
		b.WriteString("⚠️ ")
	}
	b.WriteString("*" + escapeMarkdown(a.Title) + "*")
	if a.Strategy != "" || a.Symbol != "" {
		b.WriteString("\n`" + escapeMarkdown(strings.TrimSpace(a.Strategy+" "+a.Symbol)) + "`")
	}
	if a.Message != "" {
		b.WriteString("\n\n" + escapeMarkdown(a.Message))
	}
	return b.String()
}

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	const reserved = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
