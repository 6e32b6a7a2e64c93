// Copyright 2025 VeloxVOIP.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type AvailabilityArgs struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	Guests int    `json:"guests"`
}

type AvailabilityResult struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

type ReservationArgs struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Date   string `json:"date"`
	Time   string `json:"time"`
	Guests int    `json:"guests"`
}

type ReservationResult struct {
	Success       bool   `json:"success"`
	ReservationID string `json:"reservationId"`
	Message       string `json:"message"`
}

var availabilitySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"date": {"type": "string", "description": "Reservation date (YYYY-MM-DD)"},
		"time": {"type": "string", "description": "Reservation time (HH:MM)"},
		"guests": {"type": "integer", "description": "Number of guests"}
	},
	"required": ["date", "time", "guests"]
}`)

var reservationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string", "description": "Customer name"},
		"phone": {"type": "string", "description": "Customer phone number"},
		"date": {"type": "string", "description": "Reservation date"},
		"time": {"type": "string", "description": "Reservation time"},
		"guests": {"type": "integer", "description": "Number of guests"}
	},
	"required": ["name", "phone", "date", "time", "guests"]
}`)

// RegisterRestaurant adds the table booking tools of the Pelagos restaurant.
// Every slot is reported available; bookings are not stored.
func RegisterRestaurant(r *Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	err := r.Register(Tool{
		Name:        "checkAvailability",
		Description: "Check table availability at the Pelagos restaurant",
		Parameters:  availabilitySchema,
		Handler: func(_ context.Context, raw json.RawMessage) (any, error) {
			args, err := Decode[AvailabilityArgs](raw)
			if err != nil {
				return nil, err
			}
			if args.Guests <= 0 {
				return nil, fmt.Errorf("guests must be positive")
			}
			return AvailabilityResult{
				Available: true,
				Message:   fmt.Sprintf("A table is available for %d guests at %s on %s", args.Guests, args.Time, args.Date),
			}, nil
		},
	})
	if err != nil {
		return err
	}
	return r.Register(Tool{
		Name:        "createReservation",
		Description: "Create a reservation at the Pelagos restaurant",
		Parameters:  reservationSchema,
		Handler: func(_ context.Context, raw json.RawMessage) (any, error) {
			args, err := Decode[ReservationArgs](raw)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(args.Name) == "" {
				return nil, fmt.Errorf("name is required")
			}
			return ReservationResult{
				Success:       true,
				ReservationID: fmt.Sprintf("RES%d", now().UnixMilli()),
				Message:       fmt.Sprintf("Reservation confirmed for %s", args.Name),
			}, nil
		},
	})
}
