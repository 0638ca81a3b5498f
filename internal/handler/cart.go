package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

type cartLine struct {
	Key       string `json:"key"`
	ProductID string `json:"product_id"`
	ColorID   string `json:"color_id,omitempty"`
	SizeID    string `json:"size_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type cartResponse struct {
	Lines []cartLine `json:"lines"`
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	ColorID   string `json:"color_id"`
	SizeID    string `json:"size_id"`
	Quantity  int    `json:"quantity"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type quantityResponse struct {
	Key      string `json:"key"`
	Quantity int    `json:"quantity"`
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	lines, err := h.carts.Read(r.Context(), subjectFrom(r.Context()))
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResponse(lines))
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), subjectFrom(r.Context())); err != nil {
		h.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.mapError(w, r, badRequest("invalid JSON body"))
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	line := cart.Line{
		ProductID: req.ProductID,
		Variant:   cart.Variant{ColorID: req.ColorID, SizeID: req.SizeID},
		Quantity:  req.Quantity,
	}
	qty, err := h.carts.Add(r.Context(), subjectFrom(r.Context()), line)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quantityResponse{Key: line.Key(), Quantity: qty})
}

func (h *Handler) setItem(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.mapError(w, r, badRequest("invalid JSON body"))
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.carts.SetQuantity(r.Context(), subjectFrom(r.Context()), key, req.Quantity); err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quantityResponse{Key: key, Quantity: req.Quantity})
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Remove(r.Context(), subjectFrom(r.Context()), chi.URLParam(r, "key")); err != nil {
		h.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decrementItem(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	qty, err := h.carts.Decrement(r.Context(), subjectFrom(r.Context()), key)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quantityResponse{Key: key, Quantity: qty})
}

type pricedLine struct {
	cartLine
	Name             string          `json:"name"`
	CatalogPrice     decimal.Decimal `json:"catalog_price"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	CampaignID       string          `json:"campaign_id,omitempty"`
	CampaignDiscount decimal.Decimal `json:"campaign_discount"`
	Total            decimal.Decimal `json:"total"`
}

type discountView struct {
	Code        string          `json:"code"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

type deliveryView struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Fee   decimal.Decimal `json:"fee"`
	Label string          `json:"label"`
}

type priceResponse struct {
	Lines            []pricedLine    `json:"lines"`
	OriginalSubtotal decimal.Decimal `json:"original_subtotal"`
	CampaignDiscount decimal.Decimal `json:"campaign_discount"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         *discountView   `json:"discount,omitempty"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	DiscountError    string          `json:"discount_error,omitempty"`
	Delivery         *deliveryView   `json:"delivery,omitempty"`
	DeliveryFee      decimal.Decimal `json:"delivery_fee"`
	DeliveryLabel    string          `json:"delivery_label,omitempty"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
}

func (h *Handler) priceCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lines, err := h.carts.Read(ctx, subjectFrom(ctx))
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	q := r.URL.Query()
	priced, err := h.pricer.Price(ctx, pricing.Request{
		Lines:            lines,
		DeliveryMethodID: q.Get("delivery_method_id"),
		DiscountCode:     q.Get("discount_code"),
	})
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceResponse(priced))
}

func (h *Handler) listDeliveryMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.delivery.ListDeliveryMethods(r.Context())
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	out := make([]deliveryView, 0, len(methods))
	for _, m := range methods {
		if !m.Active {
			continue
		}
		out = append(out, deliveryView{ID: m.ID, Title: m.Title, Fee: m.Fee, Label: pricing.DeliveryLabel(m.Fee)})
	}
	writeJSON(w, http.StatusOK, out)
}

func toCartLine(key, productID string, v cart.Variant, qty int) cartLine {
	return cartLine{Key: key, ProductID: productID, ColorID: v.ColorID, SizeID: v.SizeID, Quantity: qty}
}

func toCartResponse(lines []cart.Line) cartResponse {
	out := cartResponse{Lines: make([]cartLine, len(lines))}
	for i, l := range lines {
		out.Lines[i] = toCartLine(l.Key(), l.ProductID, l.Variant, l.Quantity)
	}
	return out
}

func toPriceResponse(p *pricing.PricedCart) priceResponse {
	out := priceResponse{
		Lines:            make([]pricedLine, len(p.Lines)),
		OriginalSubtotal: p.OriginalSubtotal,
		CampaignDiscount: p.CampaignDiscountTotal,
		Subtotal:         p.Subtotal,
		DiscountAmount:   p.DiscountAmount,
		DeliveryFee:      p.DeliveryFee,
		DeliveryLabel:    p.DeliveryLabel,
		FinalAmount:      p.FinalAmount,
	}
	for i, l := range p.Lines {
		out.Lines[i] = pricedLine{
			cartLine:         toCartLine(l.Key, l.ProductID, l.Variant, l.Quantity),
			Name:             l.Name,
			CatalogPrice:     l.CatalogPrice,
			UnitPrice:        l.UnitPrice,
			CampaignID:       l.CampaignID,
			CampaignDiscount: l.CampaignDiscount,
			Total:            l.Total,
		}
	}
	if d := p.Discount; d != nil {
		out.Discount = &discountView{Code: d.Code, Type: string(d.Type), Amount: d.Amount, Description: d.Description}
	}
	if p.DiscountError != nil {
		out.DiscountError = p.DiscountError.Error()
	}
	if m := p.DeliveryMethod; m != nil {
		out.Delivery = &deliveryView{ID: m.ID, Title: m.Title, Fee: m.Fee, Label: p.DeliveryLabel}
	}
	return out
}
