/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package orchestrator

import "time"

// Clock supplies the time source that paces device discovery. The
// orchestrator polls the fleet on a fixed interval; tests substitute a
// manual clock so attach and detach scenarios run without sleeping.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker delivers discovery poll ticks until stopped.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// systemClock is the Clock used when New is given none. It paces
// discovery off the wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Ticker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) Chan() <-chan time.Time { return s.t.C }

func (s systemTicker) Stop() { s.t.Stop() }
