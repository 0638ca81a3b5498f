// Package idpay adapts the IDPay v1.1 hosted payment API.
package idpay

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway"
)

// ID is the registry key of the gateway.
const ID = "idpay"

// Callback and verify statuses.
const (
	statusAwaitingVerify  = 10
	statusVerified        = 100
	statusAlreadyVerified = 101
	statusSettled         = 200
)

var callbackReasons = map[int64]string{
	1: "payment not made",
	2: "payment failed",
	3: "payment error",
	4: "payment blocked",
	5: "returned to payer",
	6: "reversed by system",
	7: "cancelled by payer",
	8: "redirected to gateway",
}

// Config holds the API key and endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Sandbox bool
}

var (
	_ payment.Gateway        = (*Gateway)(nil)
	_ payment.CallbackParser = (*Gateway)(nil)
)

// Gateway talks to IDPay. The transaction id is sent as the IDPay order_id
// so each attempt is distinct on their side.
type Gateway struct {
	cfg    Config
	client *http.Client
}

// New returns an IDPay gateway.
func New(cfg Config, client *http.Client) *Gateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) ID() string             { return ID }
func (g *Gateway) Type() payment.Type     { return payment.TypeHostedRedirect }
func (g *Gateway) RequiresEvidence() bool { return false }

func (g *Gateway) header() http.Header {
	h := http.Header{}
	h.Set("X-API-KEY", g.cfg.APIKey)
	if g.cfg.Sandbox {
		h.Set("X-SANDBOX", "1")
	}
	return h
}

// Initiate creates the payment and returns its link.
func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(req.TransactionID)
	e.FieldStart("amount")
	e.Int64(gateway.Amount(req.Amount))
	if req.CustomerName != "" {
		e.FieldStart("name")
		e.Str(req.CustomerName)
	}
	if req.CustomerPhone != "" {
		e.FieldStart("phone")
		e.Str(req.CustomerPhone)
	}
	e.FieldStart("desc")
	e.Str(req.Description)
	e.FieldStart("callback")
	e.Str(req.CallbackURL)
	e.ObjEnd()

	raw, err := gateway.PostJSON(ctx, g.client, g.cfg.BaseURL+"/v1.1/payment", e.Bytes(), g.header())
	if err != nil {
		return nil, errors.Wrap(err, "create payment")
	}
	res, err := decode(raw.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode status %d", raw.Status)
	}
	if raw.Status != http.StatusCreated || res.ID == "" || res.Link == "" {
		return nil, errors.Errorf("create payment rejected: %s", res.reason(raw.Status))
	}
	return &payment.Initiation{Reference: res.ID, RedirectURL: res.Link}, nil
}

// ParseCallback reads the status, id and order_id parameters.
func (g *Gateway) ParseCallback(values url.Values) (*payment.Callback, error) {
	id := values.Get("id")
	if id == "" {
		return nil, errors.New("missing id")
	}
	raw := values.Get("status")
	status, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.Errorf("invalid status %q", raw)
	}
	cb := &payment.Callback{Reference: id, Success: status == statusAwaitingVerify}
	if !cb.Success {
		cb.Reason = callbackReasons[status]
		if cb.Reason == "" {
			cb.Reason = "status " + raw
		}
	}
	return cb, nil
}

// Verify settles the payment and reports the amount IDPay received.
func (g *Gateway) Verify(ctx context.Context, req payment.VerifyRequest) (*payment.Verification, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(req.Reference)
	e.FieldStart("order_id")
	e.Str(req.TransactionID)
	e.ObjEnd()

	raw, err := gateway.PostJSON(ctx, g.client, g.cfg.BaseURL+"/v1.1/payment/verify", e.Bytes(), g.header())
	if err != nil {
		return nil, errors.Wrap(err, "verify payment")
	}
	if raw.Status >= http.StatusInternalServerError {
		return nil, errors.Errorf("verify payment: status %d", raw.Status)
	}
	res, err := decode(raw.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode status %d", raw.Status)
	}
	switch res.Status {
	case statusVerified, statusAlreadyVerified, statusSettled:
	default:
		return &payment.Verification{Reason: res.reason(raw.Status)}, nil
	}
	return &payment.Verification{
		Verified:            true,
		Amount:              decimal.NewFromInt(res.Amount),
		SettlementReference: res.TrackID,
	}, nil
}

type response struct {
	ID           string
	Link         string
	Status       int64
	TrackID      string
	Amount       int64
	ErrorCode    int64
	ErrorMessage string
}

func (r *response) reason(httpStatus int) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage + " (error " + strconv.FormatInt(r.ErrorCode, 10) + ")"
	}
	if r.Status != 0 {
		return "status " + strconv.FormatInt(r.Status, 10)
	}
	return "http " + strconv.Itoa(httpStatus)
}

func decode(b []byte) (*response, error) {
	var res response
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			res.ID, err = gateway.Text(d)
		case "link":
			res.Link, err = gateway.Text(d)
		case "status":
			res.Status, err = gateway.Int(d)
		case "track_id":
			if res.TrackID == "" {
				res.TrackID, err = gateway.Text(d)
			} else {
				err = d.Skip()
			}
		case "amount":
			res.Amount, err = gateway.Int(d)
		case "error_code":
			res.ErrorCode, err = gateway.Int(d)
		case "error_message":
			res.ErrorMessage, err = gateway.Text(d)
		case "payment":
			if d.Next() != jx.Object {
				return d.Skip()
			}
			err = d.Obj(func(d *jx.Decoder, key string) error {
				if key != "track_id" {
					return d.Skip()
				}
				id, err := gateway.Text(d)
				res.TrackID = id
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
