package relay

import "encoding/json"

// BodyValidator inspects an inbound body before it is forwarded. Returning
// an error rejects the request without contacting upstream.
type BodyValidator func(body []byte) error

// MaxBytes rejects bodies larger than n bytes. n <= 0 disables the cap.
func MaxBytes(n int64) BodyValidator {
	return func(body []byte) error {
		if n > 0 && int64(len(body)) > n {
			return ErrBodyTooLarge
		}
		return nil
	}
}

// WellFormedJSON rejects non-empty bodies that are not valid JSON.
func WellFormedJSON(body []byte) error {
	if len(body) > 0 && !json.Valid(body) {
		return ErrInvalidBody
	}
	return nil
}

// Chain runs validators in order and stops at the first failure.
func Chain(validators ...BodyValidator) BodyValidator {
	return func(body []byte) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := v(body); err != nil {
				return err
			}
		}
		return nil
	}
}
