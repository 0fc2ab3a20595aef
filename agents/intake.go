package agents

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/goliatone/go-fulfillment/flow"
	"golang.org/x/text/unicode/norm"
)

// Intake extracts the request slots from the customer text. It has no collaborators.
type Intake struct{}

func (*Intake) Name() flow.StepName { return flow.StepIntake }

func (*Intake) Run(_ context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	prev := st.Intake
	text := prev.Text
	revision := prev.Revision
	lastReply := prev.LastReplyID

	switch {
	case !prev.Parsed:
		text = st.Inbound.Text
		revision = 1
	case st.Clarify.Status == flow.ClarifyAnswered && st.Clarify.ReplyRequestID != "" &&
		st.Clarify.ReplyRequestID != prev.LastReplyID:
		text = strings.TrimSpace(prev.Text + "\n" + st.Clarify.Reply)
		revision++
		lastReply = st.Clarify.ReplyRequestID
	}

	language := DetectLanguage(text)
	parseText := text
	if st.Translate.Done && st.Translate.ForRevision == revision && st.Translate.Text != "" {
		parseText = st.Translate.Text
	}

	parsed := ParseRequest(parseText)
	parsed.Text = text
	parsed.Language = language
	parsed.Revision = revision
	parsed.LastReplyID = lastReply
	parsed.Parsed = true
	parsed.Missing = missingSlots(parsed, in.Policy.Intake.RequiredSlots)
	st.Intake = parsed

	return flow.Continue(st, flow.NewEvent(in.Now, "intake.parsed", map[string]any{
		"intent":   parsed.Intent,
		"item":     parsed.Item,
		"quantity": parsed.Quantity,
		"unit":     parsed.Unit,
		"missing":  parsed.Missing,
		"revision": revision,
		"language": language,
	})), nil
}

var (
	quantityRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(kilograms?|kgs?|grams?|g|tonnes?|tons?|litres?|liters?|ltrs?|pcs|pieces?|nos?|bags?|sacks?|boxes|box|cartons?)\b`)
	pincodeRe  = regexp.MustCompile(`\b(\d{6})\b`)
	amountRe   = regexp.MustCompile(`(?i)(?:₹|rs\.?|inr|rupees?)\s*(\d+(?:,\d{3})*(?:\.\d{1,2})?)|(\d+(?:,\d{3})*(?:\.\d{1,2})?)\s*(?:rs|rupees?|inr)\b`)
	wordRe     = regexp.MustCompile(`[a-z]+`)
)

var unitAliases = map[string]string{
	"kilogram": "kg", "kilograms": "kg", "kgs": "kg", "kg": "kg",
	"gram": "g", "grams": "g", "g": "g",
	"ton": "tonne", "tons": "tonne", "tonne": "tonne", "tonnes": "tonne",
	"litre": "ltr", "litres": "ltr", "liter": "ltr", "liters": "ltr", "ltr": "ltr", "ltrs": "ltr",
	"pcs": "pcs", "piece": "pcs", "pieces": "pcs", "no": "pcs", "nos": "pcs",
	"bag": "bags", "bags": "bags", "sack": "bags", "sacks": "bags",
	"box": "boxes", "boxes": "boxes", "carton": "boxes", "cartons": "boxes",
}

var cities = []string{
	"mumbai", "delhi", "bangalore", "bengaluru", "hyderabad", "chennai", "kolkata",
	"pune", "ahmedabad", "jaipur", "surat", "lucknow", "kanpur", "nagpur", "indore",
	"thane", "bhopal", "visakhapatnam", "patna", "vadodara", "ghaziabad", "ludhiana",
	"agra", "nashik", "khurja", "moradabad",
}

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"raw_materials", []string{"clay", "sand", "cement", "steel", "iron", "wood", "plastic"}},
	{"textiles", []string{"fabric", "cloth", "yarn", "thread", "cotton", "silk", "wool"}},
	{"electronics", []string{"mobile", "phone", "computer", "laptop", "cable", "wire"}},
	{"food_items", []string{"rice", "wheat", "oil", "spices", "grain", "flour"}},
	{"chemicals", []string{"acid", "chemical", "solvent", "paint", "dye"}},
	{"machinery", []string{"machine", "equipment", "tool", "motor", "pump"}},
	{"handicrafts", []string{"pottery", "pots", "terracotta", "brass", "bamboo", "jute"}},
}

var (
	urgentWords = []string{"urgent", "asap", "immediately", "emergency", "critical"}
	highWords   = []string{"soon", "quickly", "fast", "priority"}
	mediumWords = []string{"within", "by", "before"}

	buyWords     = []string{"buy", "purchase", "need", "want", "require", "looking for", "order"}
	sellWords    = []string{"sell", "selling", "available", "supply", "offer"}
	inquireWords = []string{"price", "cost", "quote", "information", "details"}
)

// fillerWords never name an item.
var fillerWords = map[string]bool{
	"of": true, "the": true, "a": true, "an": true, "some": true, "good": true, "quality": true,
	"fine": true, "best": true, "for": true, "in": true, "to": true, "at": true, "please": true,
}

// ParseRequest extracts slots from free text. Missing, Language and Revision are left to the caller.
func ParseRequest(text string) flow.IntakeState {
	clean := strings.ToLower(norm.NFKC.String(text))
	out := flow.IntakeState{
		Intent:  classifyIntent(clean),
		Urgency: detectUrgency(clean),
	}

	if m := quantityRe.FindStringSubmatchIndex(clean); m != nil {
		if qty, err := strconv.ParseFloat(clean[m[2]:m[3]], 64); err == nil {
			out.Quantity = qty
		}
		out.Unit = unitAliases[clean[m[4]:m[5]]]
		out.Item = itemAfter(clean[m[1]:])
	}
	if out.Item == "" {
		out.Item = knownItem(clean)
	}
	out.Category = categorize(out.Item + " " + clean)

	for _, city := range cities {
		if containsWord(clean, city) {
			out.City = titleCase(city)
			break
		}
	}
	if m := pincodeRe.FindStringSubmatch(clean); m != nil {
		out.Pincode = m[1]
	}
	if m := amountRe.FindStringSubmatch(clean); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if amt, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64); err == nil {
			out.Budget = amt
		}
	}
	return out
}

func missingSlots(in flow.IntakeState, required []string) []string {
	var missing []string
	for _, slot := range required {
		switch slot {
		case flow.SlotItem:
			if in.Item == "" {
				missing = append(missing, slot)
			}
		case flow.SlotQuantity:
			if in.Quantity <= 0 {
				missing = append(missing, slot)
			}
		case flow.SlotLocation:
			if in.City == "" && in.Pincode == "" {
				missing = append(missing, slot)
			}
		}
	}
	return missing
}

func itemAfter(rest string) string {
	for _, w := range wordRe.FindAllString(rest, 4) {
		if fillerWords[w] {
			continue
		}
		if _, isCity := cityIndex[w]; isCity {
			return ""
		}
		return w
	}
	return ""
}

var cityIndex = func() map[string]struct{} {
	out := make(map[string]struct{}, len(cities))
	for _, c := range cities {
		out[c] = struct{}{}
	}
	return out
}()

func knownItem(text string) string {
	for _, group := range categoryKeywords {
		for _, w := range group.words {
			if containsWord(text, w) {
				return w
			}
		}
	}
	return ""
}

func categorize(text string) string {
	for _, group := range categoryKeywords {
		for _, w := range group.words {
			if containsWord(text, w) {
				return group.category
			}
		}
	}
	return "general"
}

func detectUrgency(text string) string {
	switch {
	case containsAny(text, urgentWords):
		return "urgent"
	case containsAny(text, highWords):
		return "high"
	case containsAny(text, mediumWords):
		return "medium"
	}
	return "low"
}

func classifyIntent(text string) string {
	buy := countAny(text, buyWords)
	sell := countAny(text, sellWords)
	inquire := countAny(text, inquireWords)
	switch {
	case buy == 0 && sell == 0 && inquire == 0:
		return "general"
	case buy >= sell && buy >= inquire:
		return "buy"
	case sell >= inquire:
		return "sell"
	}
	return "inquire"
}

// DetectLanguage guesses the language from the dominant script. Latin text is English.
func DetectLanguage(text string) string {
	counts := map[string]int{}
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Devanagari):
			counts["hi"]++
		case unicode.In(r, unicode.Tamil):
			counts["ta"]++
		case unicode.In(r, unicode.Telugu):
			counts["te"]++
		case unicode.In(r, unicode.Bengali):
			counts["bn"]++
		case unicode.In(r, unicode.Gujarati):
			counts["gu"]++
		case unicode.In(r, unicode.Kannada):
			counts["kn"]++
		case unicode.In(r, unicode.Malayalam):
			counts["ml"]++
		case unicode.In(r, unicode.Latin):
			counts["en"]++
		}
	}
	best, bestN := "en", 0
	for _, lang := range []string{"en", "hi", "ta", "te", "bn", "gu", "kn", "ml"} {
		if counts[lang] > bestN {
			best, bestN = lang, counts[lang]
		}
	}
	return best
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func containsAny(text string, words []string) bool {
	return countAny(text, words) > 0
}

func countAny(text string, words []string) int {
	n := 0
	for _, w := range words {
		if containsWord(text, w) {
			n++
		}
	}
	return n
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
