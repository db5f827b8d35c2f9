// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package model

import (
	"encoding/json"
	"math"
	"time"

	"github.com/juju/errors"
)

// Timestamp is a point in time encoded as fractional seconds since the
// Unix epoch.
type Timestamp time.Time

// Time returns t as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// MarshalJSON implements json.Marshaler. The value is sent at
// millisecond precision.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	secs := float64(time.Time(t).UnixMilli()) / 1e3
	return json.Marshal(secs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return errors.Annotate(err, "timestamp")
	}
	whole, frac := math.Modf(secs)
	// Round to the millisecond, the precision peers send.
	nanos := math.Round(frac*1000) * float64(time.Millisecond)
	*t = Timestamp(time.Unix(int64(whole), int64(nanos)))
	return nil
}
