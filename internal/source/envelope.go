package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Upstream result codes carried in response.header.resultCode.
const (
	resultOK        = "00"
	resultOKPadded  = "000"
	resultNoData    = "03"
	resultRateLimit = "22"
)

// FlexString accepts a JSON string or number and keeps its trimmed text form. The
// upstream feed is inconsistent about quoting numeric fields.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Int parses the value as an integer, ignoring thousands separators.
func (f FlexString) Int() (int64, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(string(f)), ",", "")
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

type envelope struct {
	Response *struct {
		Header struct {
			ResultCode FlexString `json:"resultCode"`
			ResultMsg  string     `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items      json.RawMessage `json:"items"`
			NumOfRows  FlexString      `json:"numOfRows"`
			PageNo     FlexString      `json:"pageNo"`
			TotalCount FlexString      `json:"totalCount"`
		} `json:"body"`
	} `json:"response"`
}

// Page is one decoded page of the paged source.
type Page[T any] struct {
	Items      []T
	PageNo     int
	PageSize   int
	TotalCount int
}

var errMalformed = errors.New("malformed page")

// decodePage parses an upstream envelope. Bodies that are not JSON yield errMalformed;
// a quota result code yields ErrTransient; any other failure code or an item shape
// that does not fit T yields ErrFatal.
func decodePage[T any](body []byte) (*Page[T], error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errMalformed
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: unexpected envelope shape: %v", ErrFatal, err)
		}
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Response == nil {
		return nil, fmt.Errorf("%w: missing response object", ErrFatal)
	}

	code := env.Response.Header.ResultCode.String()
	switch code {
	case resultOK, resultOKPadded, "":
	case resultNoData:
		return &Page[T]{}, nil
	case resultRateLimit:
		return nil, fmt.Errorf("%w: upstream quota exceeded (%s)", ErrTransient, env.Response.Header.ResultMsg)
	default:
		return nil, fmt.Errorf("%w: upstream result %s: %s", ErrFatal, code, env.Response.Header.ResultMsg)
	}

	items, err := decodeItems[T](env.Response.Body.Items)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}

	page := &Page[T]{Items: items}
	if n, ok := env.Response.Body.PageNo.Int(); ok {
		page.PageNo = int(n)
	}
	if n, ok := env.Response.Body.NumOfRows.Int(); ok {
		page.PageSize = int(n)
	}
	if n, ok := env.Response.Body.TotalCount.Int(); ok {
		page.TotalCount = int(n)
	}
	return page, nil
}

// decodeItems handles the three shapes the feed uses for items: an object wrapping a
// list, an object wrapping a single item, or an empty string when there is nothing.
func decodeItems[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}

	var wrapper struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}

	item := bytes.TrimSpace(wrapper.Item)
	if len(item) == 0 {
		return nil, nil
	}
	switch item[0] {
	case '[':
		var list []T
		if err := json.Unmarshal(item, &list); err != nil {
			return nil, fmt.Errorf("failed to decode item list: %w", err)
		}
		return list, nil
	case '{':
		var single T
		if err := json.Unmarshal(item, &single); err != nil {
			return nil, fmt.Errorf("failed to decode item: %w", err)
		}
		return []T{single}, nil
	default:
		return nil, nil
	}
}
