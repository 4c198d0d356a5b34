package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var reInvoice = regexp.MustCompile(`[A-Z]{2}-?[0-9]{8}`)

// InvoiceNumber returns the first two-letter, eight-digit invoice number in
// text with any hyphen removed, or "" when there is none.
func InvoiceNumber(text string) string {
	m := reInvoice.FindString(text)
	return strings.ReplaceAll(m, "-", "")
}

// captureInt builds a rule that parses the first submatch of re.
func captureInt(re *regexp.Regexp) rule[int64] {
	return func(text string) (int64, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return 0, false
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
}

var amountRules = []rule[int64]{
	captureInt(regexp.MustCompile(`總計[：:\s]*\$?\s*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`合計[：:\s]*\$?\s*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`含稅總計[：:\s]*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`總金額[：:\s]*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`小計[：:\s]*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`金額[：:\s]*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`NT\$\s*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`應收[：:\s]*(\d{1,6})`)),
	captureInt(regexp.MustCompile(`收費[：:\s]*(\d{1,6})`)),
	largestPlausibleNumber,
}

var reDigitRun = regexp.MustCompile(`\d+`)

// largestPlausibleNumber picks the largest maximal digit run that looks like
// a price. Runs longer than five digits are tax IDs, invoice or phone numbers.
func largestPlausibleNumber(text string) (int64, bool) {
	var best int64
	found := false
	for _, run := range reDigitRun.FindAllString(text, -1) {
		if len(run) > 5 {
			continue
		}
		v, err := strconv.ParseInt(run, 10, 64)
		if err != nil || v < 10 || v > 99999 {
			continue
		}
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best, found
}

// Amount returns the receipt total in whole units.
func Amount(text string) (int64, bool) {
	return firstMatch(text, amountRules)
}

// dateRule matches year, month and day submatches. Years below 1000 are
// Republic of China era years.
type dateRule struct {
	re *regexp.Regexp
}

func (d dateRule) match(text string) (string, bool) {
	for _, m := range d.re.FindAllStringSubmatch(text, -1) {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if year < 1000 {
			year += 1911
		}
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		return formatDate(year, month, day), true
	}
	return "", false
}

var dateRules = []rule[string]{
	// The leading guard keeps the last digits of a four digit year from
	// being read as an era year.
	dateRule{regexp.MustCompile(`(?:^|\D)(\d{2,3})[年/\-.](\d{1,2})[月/\-.](\d{1,2})`)}.match,
	dateRule{regexp.MustCompile(`(\d{4})[年/\-.](\d{1,2})[月/\-.](\d{1,2})`)}.match,
	dateRule{regexp.MustCompile(`(\d{4})/(\d{1,2})/(\d{1,2})`)}.match,
	dateRule{regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`)}.match,
}

// Date returns the transaction date as YYYY-MM-DD.
func Date(text string) (string, bool) {
	return firstMatch(text, dateRules)
}

func findString(re *regexp.Regexp) rule[string] {
	return func(text string) (string, bool) {
		m := re.FindString(text)
		return m, m != ""
	}
}

const cjk = `\x{4e00}-\x{9fff}`

var merchantRules = []rule[string]{
	findString(regexp.MustCompile(`(?i)來麵屋|星巴克|麥當勞|肯德基|全家|7-ELEVEN|誠品|屈臣氏|康是美`)),
	findString(regexp.MustCompile(`[` + cjk + `]+(?:麵屋|餐廳|咖啡|書店|藥局|醫院|診所|便利商店)`)),
	findString(regexp.MustCompile(`[` + cjk + `]+(?:公司|企業|行|店|館|廳|坊|屋|社|中心)`)),
	findString(regexp.MustCompile(`(?i)[A-Za-z]*(?:Starbucks|McDonald|KFC|FamilyMart)`)),
	longestHanRun,
	firstLatinWord,
}

// Boilerplate that appears on nearly every Taiwanese receipt and is never the
// merchant. Only whole runs are dropped.
var hanStoplist = map[string]bool{
	"統一發票": true, "電子發票": true, "營業稅": true, "總計": true, "合計": true, "小計": true,
	"品項": true, "數量": true, "單價": true, "金額": true, "日期": true, "時間": true, "發票號碼": true,
}

var reHanRun = regexp.MustCompile(`[` + cjk + `]+`)

func longestHanRun(text string) (string, bool) {
	var bounded, longest string
	for _, run := range reHanRun.FindAllString(text, -1) {
		if hanStoplist[run] {
			continue
		}
		n := utf8.RuneCountInString(run)
		if n >= 2 && n <= 8 && n > utf8.RuneCountInString(bounded) {
			bounded = run
		}
		if n > utf8.RuneCountInString(longest) {
			longest = run
		}
	}
	if bounded != "" {
		return bounded, true
	}
	return longest, longest != ""
}

var latinStoplist = map[string]bool{
	"total": true, "subtotal": true, "tax": true, "invoice": true,
	"receipt": true, "date": true, "time": true, "amount": true,
	"cash": true, "change": true, "qty": true, "price": true,
}

var reLatinWord = regexp.MustCompile(`[A-Za-z]{3,}`)

func firstLatinWord(text string) (string, bool) {
	for _, w := range reLatinWord.FindAllString(text, -1) {
		if !latinStoplist[strings.ToLower(w)] {
			return w, true
		}
	}
	return "", false
}

// Merchant returns the best guess at the business name.
func Merchant(text string) (string, bool) {
	return firstMatch(text, merchantRules)
}

var taxRules = []rule[int64]{
	captureInt(regexp.MustCompile(`營業稅[：:\s]*(\d{1,4})`)),
	captureInt(regexp.MustCompile(`稅額[：:\s]*(\d{1,4})`)),
	captureInt(regexp.MustCompile(`(?i)TAX[：:\s]*(\d{1,4})`)),
}

// TaxAmount returns an explicitly printed tax amount. A printed zero counts.
func TaxAmount(text string) (int64, bool) {
	return firstMatch(text, taxRules)
}

