// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

// allowedTransitions is the alert lifecycle graph. Reopening a resolved
// alert is restricted to system admins and handled separately in
// CanTransition.
var allowedTransitions = map[AlertStateValue][]AlertStateValue{
	StateNew:           {StateAcknowledged, StateInvestigating, StateResolved},
	StateAcknowledged:  {StateInvestigating, StateResolved},
	StateInvestigating: {StateResolved},
	StateResolved:      {},
}

// CanTransition reports whether an alert may move from one state to another.
// resolved → new is permitted only for system admins.
func CanTransition(from, to AlertStateValue, systemAdmin bool) bool {
	if from == StateResolved && to == StateNew {
		return systemAdmin
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
