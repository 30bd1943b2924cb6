package fixtures

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/valyala/fasthttp"
)

// Provider is a scripted handler_api.php endpoint. Countries listed in
// OutOfStock answer NO_NUMBERS; everything else gets a fresh activation.
// While Down is set every call answers 503.
type Provider struct {
	APIKey     string
	OutOfStock map[string]bool
	Code       string
	Down       bool

	mu        sync.Mutex
	nextID    int
	cancelled map[string]bool
	calls     map[string]int
}

func NewProvider(apiKey string) *Provider {
	return &Provider{
		APIKey:     apiKey,
		OutOfStock: make(map[string]bool),
		Code:       "482913",
		nextID:     5000,
		cancelled:  make(map[string]bool),
		calls:      make(map[string]int),
	}
}

func (p *Provider) Calls(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[action]
}

func (p *Provider) Handler(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	action := string(args.Peek("action"))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[action]++

	if p.Down {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}

	reply := "BAD_ACTION"
	switch {
	case string(args.Peek("api_key")) != p.APIKey:
		reply = "BAD_KEY"
	case action == "getNumber":
		country := string(args.Peek("country"))
		if p.OutOfStock[country] {
			reply = "NO_NUMBERS"
			break
		}
		p.nextID++
		reply = fmt.Sprintf("ACCESS_NUMBER:%d:%s9170000%03d", p.nextID, country, p.nextID%1000)
	case action == "getStatus":
		if p.cancelled[string(args.Peek("id"))] {
			reply = "STATUS_CANCEL"
		} else {
			reply = "STATUS_OK:" + p.Code
		}
	case action == "setStatus":
		if status, _ := strconv.Atoi(string(args.Peek("status"))); status == 8 {
			p.cancelled[string(args.Peek("id"))] = true
			reply = "ACCESS_CANCEL"
		}
	}

	ctx.SetContentType("text/plain")
	ctx.SetBodyString(reply)
}
