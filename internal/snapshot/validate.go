package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/localstore/internal/dberr"
)

//go:embed schema.cue
var schemaSource string

var errTrailingData = errors.New("unexpected data after top-level value")

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error

	// cue values built from one context are not safe for concurrent use.
	validateMu sync.Mutex
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = err
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Snapshot"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// Validate checks that data is a JSON object with a _metadata header and
// only array-valued collections. It reports a dberr Validation error
// describing every violation CUE finds.
func Validate(data []byte) error {
	validateMu.Lock()
	defer validateMu.Unlock()

	ctx, def, err := loadSchema()
	if err != nil {
		return dberr.Wrap(dberr.CodeValidation, "load snapshot schema", err)
	}
	canonical, err := canonicalJSON(data)
	if err != nil {
		return dberr.New(dberr.CodeValidation, "validate snapshot", "snapshot is not valid JSON: "+err.Error())
	}
	// JSON is valid CUE; quoted "_metadata" stays a regular field.
	doc := ctx.CompileBytes(canonical, cue.Filename("snapshot.json"))
	if err := doc.Err(); err != nil {
		return dberr.New(dberr.CodeValidation, "validate snapshot", "snapshot is not valid JSON: "+cueerrors.Details(err, nil))
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return dberr.New(dberr.CodeValidation, "validate snapshot", cueerrors.Details(err, nil))
	}
	return nil
}

// canonicalJSON re-encodes data through encoding/json. Repeated object keys
// collapse to the last value, as they do on import; CUE would unify them.
// Number literals are kept verbatim so integer checks still apply.
func canonicalJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}
	return json.Marshal(v)
}
