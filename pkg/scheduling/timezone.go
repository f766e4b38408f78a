/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduling

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Zone lookups hit the filesystem, and every schedule evaluation needs one.
// Resolved zones are memoized for the life of the process; the invalid set is
// append-only so a bad identifier fails fast on every tick.
var zones = cache.New(cache.NoExpiration, cache.NoExpiration)

type invalidZone struct{ err error }

// LoadLocation resolves an IANA zone identifier with process-level
// memoization. An empty identifier resolves to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	if cached, ok := zones.Get(name); ok {
		switch v := cached.(type) {
		case *time.Location:
			return v, nil
		case invalidZone:
			return nil, v.err
		}
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		err = fmt.Errorf("timezone %q does not resolve", name)
		zones.SetDefault(name, invalidZone{err: err})
		return nil, err
	}
	zones.SetDefault(name, location)
	return location, nil
}
