package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/exp/slices"
)

// ErrBadAddressBook is returned when an address book is empty, has gaps in
// its rank numbering, or carries an unusable address.
var ErrBadAddressBook = errors.New("malformed address book")

// PeerInfo identifies one process of the data plane by rank.
type PeerInfo struct {
	Addr string `json:"addr"`
	Rank int    `json:"rank"`
}

// URL returns the peer's base URL, adding the http scheme when the address
// book holds a bare host:port.
func (p PeerInfo) URL() string {
	if strings.HasPrefix(p.Addr, "http://") || strings.HasPrefix(p.Addr, "https://") {
		return strings.TrimRight(p.Addr, "/")
	}
	return "http://" + p.Addr
}

// AddressBook is the static rank → host:port table every process knows
// before any traffic flows. Index i holds rank i.
type AddressBook []PeerInfo

// NewAddressBook builds a book from addresses listed in rank order.
func NewAddressBook(addrs ...string) (AddressBook, error) {
	raw := make(map[string]string, len(addrs))
	for i, a := range addrs {
		raw[strconv.Itoa(i)] = a
	}
	return DecodeAddressBook(raw)
}

// DecodeAddressBook decodes a generic rank → address map, as read from a
// JSON or environment source. Keys may be strings or integers; ranks must be
// dense from 0.
func DecodeAddressBook(src any) (AddressBook, error) {
	var byRank map[int]string
	cfg := &mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &byRank,
	}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddressBook, err)
	}
	if len(byRank) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrBadAddressBook)
	}

	book := make(AddressBook, 0, len(byRank))
	for rank, addr := range byRank {
		if strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("%w: empty address for rank %d", ErrBadAddressBook, rank)
		}
		book = append(book, PeerInfo{Rank: rank, Addr: addr})
	}
	slices.SortFunc(book, func(a, b PeerInfo) int { return a.Rank - b.Rank })
	for i, p := range book {
		if p.Rank != i {
			return nil, fmt.Errorf("%w: missing rank %d", ErrBadAddressBook, i)
		}
	}
	return book, nil
}

// LoadAddressBook reads a JSON object {"0": "host:port", ...} from path.
func LoadAddressBook(path string) (AddressBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddressBook, err)
	}
	return DecodeAddressBook(raw)
}

// Peer returns the entry for rank.
func (b AddressBook) Peer(rank int) (PeerInfo, error) {
	if rank < 0 || rank >= len(b) {
		return PeerInfo{}, fmt.Errorf("%w: rank %d not in book of %d", ErrBadAddressBook, rank, len(b))
	}
	return b[rank], nil
}

// RegisterRequest announces a client to a store server during rendezvous.
type RegisterRequest struct {
	Rank int `json:"rank"`
}

// DefaultTimeout bounds a request whose context carries no deadline.
var DefaultTimeout = 30 * time.Second

var httpClient = &http.Client{}

// StatusError reports a non-2xx answer from a peer.
type StatusError struct {
	URL    string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Detail)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	ctx, cancel := withDefaultDeadline(ctx)
	defer cancel()

	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := withDefaultDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func withDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
