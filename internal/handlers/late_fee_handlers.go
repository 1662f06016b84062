package handlers

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/dues"
)

// LateFeeHandler keeps one applicator per chapter so a preview made in one
// request can be applied in the next
type LateFeeHandler struct {
	store dues.LateFeeStore
	log   *logrus.Logger

	mu          sync.Mutex
	applicators map[uint]*dues.LateFeeApplicator
}

func NewLateFeeHandler(store dues.LateFeeStore, logger *logrus.Logger) *LateFeeHandler {
	return &LateFeeHandler{
		store:       store,
		log:         logger,
		applicators: make(map[uint]*dues.LateFeeApplicator),
	}
}

func (h *LateFeeHandler) applicator(chapterID uint) *dues.LateFeeApplicator {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.applicators[chapterID]
	if !ok {
		a = dues.NewLateFeeApplicator(h.store, chapterID, h.log)
		h.applicators[chapterID] = a
	}
	return a
}

type lateFeeSelection struct {
	Fee            decimal.Decimal   `json:"fee"`
	Targets        []decimal.Decimal `json:"targets"`
	ExcludePartial bool              `json:"exclude_partial"`
}

// Preview sets the fee and target balances and lists the rows they select
func (h *LateFeeHandler) Preview(c echo.Context) error {
	chapterID, err := parseID(c, "chapterID")
	if err != nil {
		return err
	}
	var sel lateFeeSelection
	if err := bindBody(c, &sel); err != nil {
		return err
	}

	a := h.applicator(chapterID)
	if err := a.SetFee(sel.Fee); err != nil {
		return err
	}
	a.SetTargets(sel.Targets)
	a.SetExcludePartial(sel.ExcludePartial)

	rows, err := a.Preview(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"fee":     sel.Fee,
		"count":   len(rows),
		"members": rows,
	})
}

type applyLateFeeRequest struct {
	// Fee optionally changes the amount without redoing the preview
	Fee decimal.NullDecimal `json:"fee"`
}

// Apply adds the fee to the previewed rows
func (h *LateFeeHandler) Apply(c echo.Context) error {
	chapterID, err := parseID(c, "chapterID")
	if err != nil {
		return err
	}
	var req applyLateFeeRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}

	a := h.applicator(chapterID)
	if req.Fee.Valid {
		if err := a.SetFee(req.Fee.Decimal); err != nil {
			return err
		}
	}
	updated, err := a.Apply(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": updated})
}
