package reconcile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Transfer directions reported by the bank gateway.
const (
	TransferTypeIn  = "in"
	TransferTypeOut = "out"
)

// ExternalID is the gateway's transaction id. Gateways disagree on the JSON
// type: some send a number, some a string. Both decode to the string form.
type ExternalID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (e *ExternalID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*e = ExternalID(n.String())
		return nil
	}
	return fmt.Errorf("external id must be a string or a number, got %s", string(data))
}

// Notification is the bank gateway's webhook payload for one transfer.
type Notification struct {
	ID              ExternalID `json:"id"`
	Gateway         string     `json:"gateway"`
	TransactionDate string     `json:"transactionDate"`
	AccountNumber   string     `json:"accountNumber"`
	Content         string     `json:"content"`
	TransferType    string     `json:"transferType"`
	TransferAmount  int64      `json:"transferAmount"`
	ReferenceCode   string     `json:"referenceCode"`
	Description     string     `json:"description"`
}

// MemoParser extracts the transaction code from a transfer memo. Banks mangle
// memos freely: they upcase, strip spaces, and append their own text, so the
// parser scans case-insensitively for the prefix anywhere in the content.
type MemoParser struct {
	prefix string
	re     *regexp.Regexp
}

// NewMemoParser builds a parser for the configured memo prefix. Codes are
// issued at a fixed eight characters, which keeps the match unambiguous even
// when the bank glues its own text onto the memo.
func NewMemoParser(prefix string) *MemoParser {
	pattern := `(?i)` + regexp.QuoteMeta(prefix) + `([A-Z0-9]{8})`
	return &MemoParser{
		prefix: prefix,
		re:     regexp.MustCompile(pattern),
	}
}

// Parse returns the transaction code found in the memo, upcased to the form
// codes are issued in. The second return is false when no code is present.
func (p *MemoParser) Parse(memo string) (string, bool) {
	m := p.re.FindStringSubmatch(memo)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}
