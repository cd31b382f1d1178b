package ticketing

import (
	"strconv"
	"strings"

	"github.com/tech-consulting/assetops/internal/model"
)

type attribute struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type ticket struct {
	ID           int         `json:"ID"`
	Title        string      `json:"Title"`
	StatusName   string      `json:"StatusName"`
	RequestorUID string      `json:"RequestorUid"`
	Attributes   []attribute `json:"Attributes"`
}

func (t *ticket) toModel() *model.Ticket {
	attrs := make(map[string]string, len(t.Attributes))
	for _, a := range t.Attributes {
		attrs[a.Name] = a.Value
	}

	return &model.Ticket{
		ID:           strconv.Itoa(t.ID),
		Title:        t.Title,
		StatusName:   t.StatusName,
		RequestorUID: t.RequestorUID,
		Attributes:   attrs,
	}
}

type asset struct {
	ID               int         `json:"ID"`
	Tag              string      `json:"Tag"`
	SerialNumber     string      `json:"SerialNumber"`
	StatusName       string      `json:"StatusName"`
	LocationName     string      `json:"LocationName"`
	OwningCustomerID string      `json:"OwningCustomerID"`
	Notes            string      `json:"Notes,omitempty"`
	Attributes       []attribute `json:"Attributes,omitempty"`
}

func (a *asset) toModel() *model.AssetState {
	return &model.AssetState{
		ID:           strconv.Itoa(a.ID),
		Tag:          a.Tag,
		SerialNumber: a.SerialNumber,
		StatusName:   a.StatusName,
		LocationName: a.LocationName,
		OwnerUID:     a.OwningCustomerID,
	}
}

// setAttribute replaces or appends a custom attribute.
func (a *asset) setAttribute(name, value string) {
	for i := range a.Attributes {
		if strings.EqualFold(a.Attributes[i].Name, name) {
			a.Attributes[i].Value = value
			return
		}
	}

	a.Attributes = append(a.Attributes, attribute{Name: name, Value: value})
}

type assetPage struct {
	Items      []asset `json:"Items"`
	NextCursor string  `json:"NextCursor,omitempty"`
}

type assetSearch struct {
	SearchText string `json:"SearchText"`
}

type feedEntry struct {
	NewStatusName string `json:"NewStatusName,omitempty"`
	Comments      string `json:"Comments"`
}

type adminLogin struct {
	BEID           string `json:"BEID"`
	WebServicesKey string `json:"WebServicesKey"`
}
