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

package relay

// TurnState tracks who holds the floor. It is owned by the session loop and
// is not safe for concurrent use.
//
// The agent is speaking exactly when itemID is set, and started is set with it.
type TurnState struct {
	itemID        string
	responseStart int64
	started       bool
	latest        int64
}

// Truncation tells the model how much of an interrupted item the caller heard.
type Truncation struct {
	ItemID     string
	AudioEndMs int64
}

// TurnSnapshot is a copy of the turn state for logging and checks.
type TurnSnapshot struct {
	ItemID          string
	ResponseStart   int64
	HasStart        bool
	LatestMediaTime int64
}

// Valid reports whether the utterance id is set exactly when a start time is.
func (s TurnSnapshot) Valid() bool {
	return (s.ItemID != "") == s.HasStart
}

func (t *TurnState) Speaking() bool {
	return t.itemID != ""
}

// ItemID is the item currently being spoken, or "".
func (t *TurnState) ItemID() string {
	return t.itemID
}

// ObserveMediaTime records the telephony media clock.
func (t *TurnState) ObserveMediaTime(ts int64) {
	t.latest = ts
}

// StartResponse marks itemID as speaking from the current media time. Starting
// a different item while one is in flight is an ordering anomaly; the new item
// replaces the old one and true is returned. An empty itemID is ignored.
func (t *TurnState) StartResponse(itemID string) (anomaly bool) {
	if itemID == "" || t.itemID == itemID {
		return false
	}
	anomaly = t.itemID != ""
	t.itemID = itemID
	t.responseStart = t.latest
	t.started = true
	return anomaly
}

// CompleteResponse returns to idle.
func (t *TurnState) CompleteResponse() {
	t.itemID = ""
	t.responseStart = 0
	t.started = false
}

// BargeIn interrupts the current item. It returns false when the agent is not
// speaking.
func (t *TurnState) BargeIn() (Truncation, bool) {
	if t.itemID == "" || !t.started {
		return Truncation{}, false
	}
	elapsed := t.latest - t.responseStart
	if elapsed < 0 {
		elapsed = 0
	}
	tr := Truncation{ItemID: t.itemID, AudioEndMs: elapsed}
	t.CompleteResponse()
	return tr, true
}

func (t *TurnState) Snapshot() TurnSnapshot {
	return TurnSnapshot{
		ItemID:          t.itemID,
		ResponseStart:   t.responseStart,
		HasStart:        t.started,
		LatestMediaTime: t.latest,
	}
}
