package notify

import (
	"bulletin-notifier/pkg/notifier"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"cloud.google.com/go/civil"
)

var italianMonths = [...]string{
	"gennaio", "febbraio", "marzo", "aprile", "maggio", "giugno",
	"luglio", "agosto", "settembre", "ottobre", "novembre", "dicembre",
}

// Values are escaped with the html builtin; the template itself only uses
// tags Telegram accepts in HTML parse mode.
var bulletinTemplate = template.Must(template.New("bulletin").Parse(
	`🚨 <b>Bollettino di criticità Regione Basilicata</b> 🚨

Nuovo bollettino del <b>{{.Date | html}}</b>
{{- if .Title}}
<i>{{.Title | html}}</i>
{{- end}}

<a href="{{.URL | html}}">Apri il bollettino (PDF)</a>
{{- if .Source}}

Fonte: <a href="{{.Source | html}}">Centro Funzionale Basilicata</a>
{{- end}}
`))

// formatItalianDate renders d as "27 maggio 2025".
func formatItalianDate(d civil.Date) string {
	if d.Month < 1 || d.Month > 12 {
		return d.String()
	}
	return fmt.Sprintf("%d %s %d", d.Day, italianMonths[d.Month-1], d.Year)
}

func (s *Sender) render(b notifier.Bulletin) (Message, error) {
	date := formatItalianDate(b.Date)

	var body strings.Builder
	err := bulletinTemplate.Execute(&body, struct {
		Date, Title, URL, Source string
	}{
		Date:   date,
		Title:  b.Title,
		URL:    b.URL,
		Source: s.source,
	})
	if err != nil {
		return Message{}, err
	}

	return Message{
		Subject: "Bollettino di criticità del " + date,
		Body:    body.String(),
		URL:     b.URL,
	}, nil
}

// htmlDocument wraps a message body in a minimal HTML email document.
func htmlDocument(msg Message) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"it\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString(fmt.Sprintf("<title>%s</title>\n", escapeHTML(msg.Subject)))
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("a { color: #c0392b; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("a { color: #ff6f61; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
	b.WriteString(strings.ReplaceAll(strings.TrimSpace(msg.Body), "\n", "<br>\n"))
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL reports whether u is an absolute http(s) link.
func isSafeURL(u string) bool {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return (scheme == "http" || scheme == "https") && parsed.Host != ""
}
