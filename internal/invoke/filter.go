// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// filterTimeout bounds jq evaluation of a workflow response.
const filterTimeout = 1 * time.Second

// Filter applies a jq expression to workflow responses, extracting the
// caller-relevant portion of the backend's payload. Compiled once at
// construction and safe for concurrent use.
type Filter struct {
	expression string
	code       *gojq.Code
}

// NewFilter compiles a jq expression. An empty expression yields a nil
// filter, which passes responses through unchanged.
func NewFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid result filter %q: %w", expression, err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile result filter %q: %w", expression, err)
	}

	return &Filter{expression: expression, code: code}, nil
}

// Apply evaluates the filter against data and returns the first result.
func (f *Filter) Apply(ctx context.Context, data any) (any, error) {
	if f == nil {
		return data, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, filterTimeout)
	defer cancel()

	iter := f.code.RunWithContext(execCtx, data)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("result filter %q: %w", f.expression, err)
	}
	return v, nil
}
