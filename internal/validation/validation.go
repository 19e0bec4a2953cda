package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// ErrDestinationEmpty is returned when destination is empty or whitespace-only after trim.
var ErrDestinationEmpty = errors.New("destination is required")

// ErrDestinationTooShort is returned when destination length is below the minimum.
var ErrDestinationTooShort = errors.New("destination too short")

// ErrDestinationTooLong is returned when destination length exceeds the maximum.
var ErrDestinationTooLong = errors.New("destination too long")

// ErrDestinationInvalidChars is returned when destination contains disallowed characters.
var ErrDestinationInvalidChars = errors.New("destination contains invalid characters")

// ErrHotelIDInvalid is returned for empty, oversized or non [A-Za-z0-9_-] hotel ids.
var ErrHotelIDInvalid = errors.New("invalid hotel id")

// ErrStayInvalid is returned when check-in/check-out are missing, malformed or unordered.
var ErrStayInvalid = errors.New("invalid stay dates")

// ErrStayTooLong is returned when the stay exceeds the allowed number of nights.
var ErrStayTooLong = errors.New("stay too long")

// ErrInvalidNumber is returned for malformed or out-of-range numeric parameters.
var ErrInvalidNumber = errors.New("invalid numeric parameter")

const maxHotelIDLen = 64

// ValidateDestination trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma, hyphen, apostrophe.
// Returns the trimmed string or an error suitable for 400 INVALID_DESTINATION responses.
// Case folding is left to the catalog.
func ValidateDestination(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrDestinationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrDestinationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrDestinationTooLong
	}
	for _, c := range r {
		if !isAllowedDestinationRune(c) {
			return "", ErrDestinationInvalidChars
		}
	}
	return s, nil
}

func isAllowedDestinationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'':
		return true
	}
	return false
}

// ValidateHotelID returns the trimmed id.
func ValidateHotelID(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" || len(s) > maxHotelIDLen {
		return "", ErrHotelIDInvalid
	}
	for _, c := range s {
		if c > unicode.MaxASCII || !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-' || c == '_') {
			return "", ErrHotelIDInvalid
		}
	}
	return s, nil
}

// ParseStay validates a check-in/check-out pair in YYYY-MM-DD form. maxNights <= 0 means no cap.
func ParseStay(checkIn, checkOut string, maxNights int) (models.DateRange, error) {
	if strings.TrimSpace(checkIn) == "" || strings.TrimSpace(checkOut) == "" {
		return models.DateRange{}, fmt.Errorf("%w: checkIn and checkOut are required", ErrStayInvalid)
	}
	stay, err := models.NewDateRange(checkIn, checkOut)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("%w: %v", ErrStayInvalid, err)
	}
	if maxNights > 0 && stay.Nights() > maxNights {
		return models.DateRange{}, fmt.Errorf("%w: %d nights (max %d)", ErrStayTooLong, stay.Nights(), maxNights)
	}
	return stay, nil
}

// ParseInt parses an optional integer in [min, max]. Empty input yields def.
func ParseInt(name, input string, def, min, max int) (int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%w: %s must be an integer in [%d, %d]", ErrInvalidNumber, name, min, max)
	}
	return n, nil
}

// ParsePrice parses an optional non-negative price bound. Empty input yields nil.
func ParsePrice(name, input string) (*float64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidNumber, name)
	}
	return &v, nil
}

// NormalizeAmenities flattens repeated and comma-separated values, lowercased,
// blanks and duplicates dropped, first occurrence order kept.
func NormalizeAmenities(values []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, a := range strings.Split(v, ",") {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
