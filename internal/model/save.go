package model

import (
	"encoding/gob"
	"io"
	"math/rand"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// savedHeader precedes the variable tensors of a saved model, which follow
// in the same order as Variables.
type savedHeader struct {
	Hidden    int
	Variables []savedVariable
}

type savedVariable struct {
	Scope, Name string
}

// Save implements Classifier. Only the network variables are written; the
// optimizer state is dropped.
func (m *MLP) Save(w io.Writer) error {
	if m.ctx == nil {
		return errors.New("model is not trained")
	}

	vars := slices.Collect(m.ctx.In(modelScope).IterVariablesInScope())
	slices.SortFunc(vars, func(a, b *mlctx.Variable) int {
		return strings.Compare(a.ScopeAndName(), b.ScopeAndName())
	})

	header := savedHeader{Hidden: m.hidden}
	for _, v := range vars {
		header.Variables = append(header.Variables, savedVariable{Scope: v.Scope(), Name: v.Name()})
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(header); err != nil {
		return errors.Wrap(err, "save model")
	}

	for _, v := range vars {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "variable %q", v.ScopeAndName())
		}

		if err := value.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "save variable %q", v.ScopeAndName())
		}
	}

	return nil
}

// Load reads a model written by Save.
func Load(r io.Reader) (*MLP, error) {
	var header savedHeader

	dec := gob.NewDecoder(r)
	if err := dec.Decode(&header); err != nil {
		return nil, errors.Wrap(err, "load model")
	}

	if header.Hidden < 1 || len(header.Variables) == 0 {
		return nil, errors.Errorf("saved model has %d hidden units and %d variables", header.Hidden, len(header.Variables))
	}

	m := &MLP{hidden: header.Hidden, rng: rand.New(rand.NewSource(1))}

	err := exceptions.TryCatch[error](func() {
		ctx := mlctx.New()
		for _, v := range header.Variables {
			if !strings.HasPrefix(v.Scope, mlctx.ScopeSeparator+modelScope) {
				exceptions.Panicf("variable %q is outside of the model scope", v.Scope+mlctx.ScopeSeparator+v.Name)
			}

			value, err := tensors.GobDeserialize(dec)
			if err != nil {
				panic(errors.WithMessagef(err, "load variable %q", v.Name))
			}

			ctx.InAbsPath(v.Scope).VariableWithValue(v.Name, value)
		}

		m.ctx = ctx
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}
