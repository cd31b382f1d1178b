// Package apple looks up warranty coverage through Apple's SOAP warranty service.
package apple

import (
	"context"
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const (
	warrantyPath = "warranty"
	soapAction   = "urn:warrantyStatus"

	envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	warrantyNS = "http://gsxws.apple.com/elements/warranty"
)

var vocabulary = normalize.Vocabulary{
	Active: []string{
		"Apple Limited Warranty",
		"AppleCare Protection Plan",
		"AppleCare+",
		"AppleCare for Enterprise",
		"In Warranty",
		"Active",
	},
	Expired: []string{
		"Out Of Warranty",
		"Out of Warranty (No Coverage)",
		"Coverage Expired",
		"Expired",
	},
}

type requestEnvelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	SoapNS  string   `xml:"xmlns:soapenv,attr"`
	WarNS   string   `xml:"xmlns:war,attr"`
	Body    struct {
		Status struct {
			SerialNumber string `xml:"serialNumber"`
		} `xml:"war:warrantyStatus"`
	} `xml:"soapenv:Body"`
}

type responseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault    *fault `xml:"Fault"`
		Response *struct {
			Detail warrantyDetail `xml:"warrantyDetailInfo"`
		} `xml:"warrantyStatusResponse"`
	} `xml:"Body"`
}

type fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type warrantyDetail struct {
	SerialNumber    string `xml:"serialNumber"`
	WarrantyStatus  string `xml:"warrantyStatus"`
	CoverageEndDate string `xml:"coverageEndDate"`
}

// Adapter answers warranty lookups. Apple offers nothing else.
type Adapter struct {
	client *vendors.Client
}

func New(opts *configuration.VendorOptions, logger *logrus.Logger) (*Adapter, error) {
	transport, err := vendors.NewTransport(model.VendorApple, opts)
	if err != nil {
		return nil, err
	}

	client, err := vendors.NewClient(model.VendorApple, opts.BaseURL, transport, logger)
	if err != nil {
		return nil, err
	}

	return &Adapter{client: client}, nil
}

func (a *Adapter) Vendor() model.VendorIdentity {
	return model.VendorApple
}

func (a *Adapter) Supports(kind model.OperationKind) bool {
	return kind == model.WarrantyLookup
}

func (a *Adapter) Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !a.Supports(req.Kind) {
		return nil, vendors.Unsupported(model.VendorApple, req.Kind)
	}

	env := requestEnvelope{SoapNS: envelopeNS, WarNS: warrantyNS}
	env.Body.Status.SerialNumber = req.Asset.SerialNumber

	body, err := xml.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal warranty request")
	}

	header := http.Header{}
	header.Set("Content-Type", "text/xml; charset=utf-8")
	header.Set("SOAPAction", soapAction)

	raw, err := a.client.Do(ctx, &vendors.Request{
		Kind:   req.Kind,
		Method: http.MethodPost,
		Path:   warrantyPath,
		Header: header,
		Body:   append([]byte(xml.Header), body...),
	})
	if raw == nil {
		return nil, err
	}

	// faults arrive with HTTP 500 or, from some gateways, HTTP 200
	if f := parseFault(raw.Body); f != nil {
		raw.SOAPFault = f.Code + ": " + f.String
		return raw, model.NewVendorError(model.VendorApple, faultKind(f.Code), errors.New(raw.SOAPFault))
	}

	return raw, err
}

func parseFault(body []byte) *fault {
	env := &responseEnvelope{}
	if err := xml.Unmarshal(body, env); err != nil {
		return nil
	}

	return env.Body.Fault
}

// faultKind maps a SOAP fault code; server faults are retried, client faults are not.
func faultKind(code string) model.ErrorKind {
	local := code
	if i := strings.LastIndex(code, ":"); i >= 0 {
		local = code[i+1:]
	}

	switch strings.ToLower(local) {
	case "server", "receiver":
		return model.KindVendorServer
	case "client", "sender":
		return model.KindInvalidRequest
	default:
		return model.KindVendorServer
	}
}

// Normalizer decodes warranty status responses.
type Normalizer struct{}

func (Normalizer) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	if raw.SOAPFault != "" {
		code, _, _ := strings.Cut(raw.SOAPFault, ": ")
		return model.Failed(faultKind(code), "apple: "+raw.SOAPFault)
	}

	env := &responseEnvelope{}
	if err := xml.Unmarshal(raw.Body, env); err != nil {
		return normalize.Malformed(model.VendorApple, err)
	}

	if f := env.Body.Fault; f != nil {
		return model.Failed(faultKind(f.Code), "apple: "+f.Code+": "+f.String)
	}

	if env.Body.Response == nil {
		return normalize.Malformed(model.VendorApple, errors.New("no warrantyStatusResponse in body"))
	}

	detail := env.Body.Response.Detail

	return normalize.Warranty(
		model.VendorApple,
		detail.SerialNumber,
		vocabulary.Classify(detail.WarrantyStatus),
		detail.WarrantyStatus,
		normalize.ParseDate(detail.CoverageEndDate),
	)
}
