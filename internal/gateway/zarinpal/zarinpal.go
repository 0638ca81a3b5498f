// Package zarinpal adapts the Zarinpal v4 hosted payment page.
package zarinpal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway"
)

// ID is the registry key of the gateway.
const ID = "zarinpal"

const (
	codeSuccess         = 100
	codeAlreadyVerified = 101
)

// Config holds the merchant credentials and endpoints.
type Config struct {
	MerchantID  string
	BaseURL     string
	StartPayURL string
}

var (
	_ payment.Gateway        = (*Gateway)(nil)
	_ payment.CallbackParser = (*Gateway)(nil)
)

// Gateway talks to Zarinpal over its JSON API.
type Gateway struct {
	cfg    Config
	client *http.Client
}

// New returns a Zarinpal gateway.
func New(cfg Config, client *http.Client) *Gateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.StartPayURL = strings.TrimRight(cfg.StartPayURL, "/")
	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) ID() string             { return ID }
func (g *Gateway) Type() payment.Type     { return payment.TypeHostedRedirect }
func (g *Gateway) RequiresEvidence() bool { return false }

// Initiate registers the payment and returns the StartPay redirect.
func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("merchant_id")
	e.Str(g.cfg.MerchantID)
	e.FieldStart("amount")
	e.Int64(gateway.Amount(req.Amount))
	e.FieldStart("callback_url")
	e.Str(req.CallbackURL)
	e.FieldStart("description")
	e.Str(req.Description)
	if req.CustomerPhone != "" {
		e.FieldStart("metadata")
		e.ObjStart()
		e.FieldStart("mobile")
		e.Str(req.CustomerPhone)
		e.FieldStart("order_id")
		e.Str(req.OrderID)
		e.ObjEnd()
	}
	e.ObjEnd()

	res, err := g.call(ctx, "/pg/v4/payment/request.json", e.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "request payment")
	}
	if res.Code != codeSuccess || res.Authority == "" {
		return nil, errors.Errorf("request rejected: %s", res.reason())
	}
	return &payment.Initiation{
		Reference:   res.Authority,
		RedirectURL: g.cfg.StartPayURL + "/" + res.Authority,
	}, nil
}

// ParseCallback reads the Authority and Status query parameters.
func (g *Gateway) ParseCallback(values url.Values) (*payment.Callback, error) {
	authority := values.Get("Authority")
	if authority == "" {
		return nil, errors.New("missing Authority")
	}
	cb := &payment.Callback{Reference: authority}
	switch status := values.Get("Status"); status {
	case "OK":
		cb.Success = true
	case "NOK":
		cb.Reason = "cancelled by payer"
	default:
		return nil, errors.Errorf("unexpected Status %q", status)
	}
	return cb, nil
}

// Verify settles the authority. Code 101 means a previous verify already
// succeeded and is treated as success.
func (g *Gateway) Verify(ctx context.Context, req payment.VerifyRequest) (*payment.Verification, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("merchant_id")
	e.Str(g.cfg.MerchantID)
	e.FieldStart("amount")
	e.Int64(gateway.Amount(req.Amount))
	e.FieldStart("authority")
	e.Str(req.Reference)
	e.ObjEnd()

	res, err := g.call(ctx, "/pg/v4/payment/verify.json", e.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "verify payment")
	}
	if res.Code != codeSuccess && res.Code != codeAlreadyVerified {
		return &payment.Verification{Reason: res.reason()}, nil
	}
	return &payment.Verification{
		Verified:            true,
		SettlementReference: res.RefID,
	}, nil
}

type response struct {
	Code       int64
	Message    string
	Authority  string
	RefID      string
	ErrCode    int64
	ErrMessage string
}

func (r *response) reason() string {
	if r.ErrMessage != "" {
		return fmt.Sprintf("%s (code %d)", r.ErrMessage, r.ErrCode)
	}
	if r.Message != "" {
		return fmt.Sprintf("%s (code %d)", r.Message, r.Code)
	}
	return "code " + strconv.FormatInt(r.firstCode(), 10)
}

func (r *response) firstCode() int64 {
	if r.Code != 0 {
		return r.Code
	}
	return r.ErrCode
}

func (g *Gateway) call(ctx context.Context, path string, body []byte) (*response, error) {
	raw, err := gateway.PostJSON(ctx, g.client, g.cfg.BaseURL+path, body, nil)
	if err != nil {
		return nil, err
	}
	if raw.Status >= http.StatusInternalServerError {
		return nil, errors.Errorf("status %d", raw.Status)
	}
	res, err := decode(raw.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode status %d", raw.Status)
	}
	return res, nil
}

// decode reads the {"data": ..., "errors": ...} envelope. Either member is
// an empty array when unused.
func decode(b []byte) (*response, error) {
	var res response
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		if d.Next() != jx.Object {
			return d.Skip()
		}
		switch key {
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "code":
					res.Code, err = gateway.Int(d)
				case "message":
					res.Message, err = gateway.Text(d)
				case "authority":
					res.Authority, err = gateway.Text(d)
				case "ref_id":
					res.RefID, err = gateway.Text(d)
				default:
					err = d.Skip()
				}
				return err
			})
		case "errors":
			return d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "code":
					res.ErrCode, err = gateway.Int(d)
				case "message":
					res.ErrMessage, err = gateway.Text(d)
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
