package ticketing

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
)

// Normalizer reads the updated asset returned by a check-out or check-in.
type Normalizer struct{}

func (Normalizer) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	updated := &asset{}
	if err := json.Unmarshal(raw.Body, updated); err != nil {
		return normalize.Malformed(model.VendorTicketing, err)
	}

	if updated.ID == 0 && updated.Tag == "" {
		return normalize.Malformed(model.VendorTicketing, errors.New("response carries no asset"))
	}

	verb := "checked out"
	if raw.Kind == model.CheckIn {
		verb = "checked in"
	}

	return model.Succeeded(fmt.Sprintf("%s %s: %s at %s", updated.Tag, verb, updated.StatusName, updated.LocationName))
}
