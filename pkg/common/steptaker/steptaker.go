/*
Copyright 2025 Flant JSC

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

package steptaker

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

// StepTaker is a single unit of a pipeline over the shared resource R.
// A non-nil result or an error stops the pipeline.
type StepTaker[R any] interface {
	Take(ctx context.Context, r R) (*reconcile.Result, error)
}

type StepTakers[R any] []StepTaker[R]

func NewStepTakers[R any](takers ...StepTaker[R]) StepTakers[R] {
	return takers
}

func (s StepTakers[R]) Run(ctx context.Context, r R) (reconcile.Result, error) {
	for _, t := range s {
		if err := ctx.Err(); err != nil {
			return reconcile.Result{}, err
		}
		res, err := t.Take(ctx, r)
		if err != nil {
			return reconcile.Result{}, err
		}
		if res != nil {
			return *res, nil
		}
	}
	return reconcile.Result{}, nil
}
