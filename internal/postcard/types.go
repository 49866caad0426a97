package postcard

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Martian-dev/postcard-relay/internal/mail"
)

// ErrInvalidRequest is returned when a request is missing required data.
var ErrInvalidRequest = errors.New("invalid postcard request")

// Address is a postal address used for both recipient and sender.
type Address struct {
	FirstName       string `json:"firstName" validate:"required"`
	LastName        string `json:"lastName" validate:"required"`
	AddressLine1    string `json:"addressLine1" validate:"required"`
	AddressLine2    string `json:"addressLine2,omitempty"`
	City            string `json:"city" validate:"required"`
	ProvinceOrState string `json:"provinceOrState" validate:"required"`
	PostalOrZip     string `json:"postalOrZip" validate:"required"`
	CountryCode     string `json:"countryCode" validate:"required,iso3166_1_alpha2"`
}

// Name is the display name used in notifications and on the card.
func (a Address) Name() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Request is a structured postcard order. Message is unsanitized until the
// submitter renders artwork from it.
type Request struct {
	To            Address `json:"to"`
	From          Address `json:"from"`
	FrontImageURL string  `json:"frontImageUrl,omitempty" validate:"omitempty,http_url"`
	Message       string  `json:"message" validate:"required"`

	// FrontImage is the email attachment chosen for the front. It never
	// leaves the process; the pipeline uploads it and sets FrontImageURL.
	FrontImage *mail.Attachment `json:"-"`
}

// Submission is the provider's answer to a successful create call.
type Submission struct {
	ID                   string     `json:"id"`
	Status               string     `json:"status"`
	CreatedAt            time.Time  `json:"createdAt"`
	ExpectedDeliveryDate *time.Time `json:"expectedDeliveryDate,omitempty"`
	TrackingURL          string     `json:"trackingUrl,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate reports every missing or malformed field, e.g.
// "missing required field to.postalOrZip".
func (r *Request) Validate() error {
	err := requestValidator().Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Join(ErrInvalidRequest, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Tag() == "required" {
			problems = append(problems, "missing required field "+field)
		} else {
			problems = append(problems, fmt.Sprintf("invalid field %s (%s)", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
}
