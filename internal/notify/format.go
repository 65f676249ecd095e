package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"anomaly_bot/internal/models"
)

// цвета embed'ов Discord
const (
	colorRed     = 0xe74c3c
	colorGreen   = 0x2ecc71
	colorOrange  = 0xe67e22
	colorDarkRed = 0x992d22
	colorBlue    = 0x3498db
	colorPurple  = 0x9b59b6
	colorGold    = 0xf1c40f
)

type Field struct {
	Name  string
	Value string
}

func Title(ev models.Event) string {
	switch ev.Kind {
	case models.EventAnomalyDetected:
		return "🚨 Аномалия: " + ev.Symbol
	case models.EventOrderPlaced:
		return "📝 Ордер выставлен: " + ev.Symbol
	case models.EventOrderCanceled:
		return "🚫 Ордер отменён: " + ev.Symbol
	case models.EventOrderFilled:
		return "✅ Ордер исполнен: " + ev.Symbol
	case models.EventPositionOpened:
		return "📈 Позиция открыта: " + ev.Symbol
	case models.EventPositionClosed:
		return "🏁 Позиция закрыта: " + ev.Symbol
	case models.EventError:
		if ev.Symbol == "" {
			return "❗️ Ошибка"
		}
		return "❗️ Ошибка: " + ev.Symbol
	case models.EventStatus:
		return "ℹ️ Статус"
	default:
		return string(ev.Kind)
	}
}

func Color(ev models.Event) int {
	switch ev.Kind {
	case models.EventAnomalyDetected:
		return colorRed
	case models.EventOrderPlaced:
		return colorGreen
	case models.EventOrderCanceled:
		return colorOrange
	case models.EventOrderFilled:
		return colorGold
	case models.EventPositionOpened, models.EventPositionClosed:
		return colorPurple
	case models.EventError:
		return colorDarkRed
	default:
		return colorBlue
	}
}

// Fields непустые поля события в стабильном порядке.
func Fields(ev models.Event) []Field {
	var out []Field
	add := func(name, value string) {
		if value != "" {
			out = append(out, Field{Name: name, Value: value})
		}
	}
	num := func(v float64) string {
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	z := func(v *float64) string {
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%.2f", *v)
	}

	add("Side", string(ev.Side))
	add("Order", ev.OrderID)
	add("Price", num(ev.Price))
	add("Size", num(ev.Size))
	add("Baseline", num(ev.Baseline))
	add("Z price", z(ev.ZPrice))
	add("Z volume", z(ev.ZVolume))
	add("Reason", ev.Reason)
	add("Error", ev.Err)
	if len(ev.Fields) > 0 {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k, ev.Fields[k])
		}
	}
	return out
}

// Text plain-текст для Telegram и лога.
func Text(ev models.Event) string {
	var b strings.Builder
	b.WriteString(Title(ev))
	for _, f := range Fields(ev) {
		fmt.Fprintf(&b, "\n• %s: %s", f.Name, f.Value)
	}
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", ev.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}
