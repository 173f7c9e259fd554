package dynamics

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrInvalidArguments  = errors.New("invalid action arguments")
)

const definitions = `"definitions": {
	"vec3": {
		"type": "object",
		"properties": {"x": {"type": "number"}, "y": {"type": "number"}, "z": {"type": "number"}},
		"required": ["x", "y", "z"]
	},
	"quat": {
		"type": "object",
		"properties": {"x": {"type": "number"}, "y": {"type": "number"}, "z": {"type": "number"}, "w": {"type": "number"}},
		"required": ["x", "y", "z", "w"]
	},
	"uuid": {"type": "string", "pattern": "^[0-9a-fA-F-]{36}$"},
	"timescale": {"type": "number", "exclusiveMinimum": 0}
}`

// common fields every action accepts.
const commonProps = `"tag": {"type": "string"}, "ttl": {"type": "number", "minimum": 0}`

var schemaBodies = map[Type]string{
	TypeOffset: `"properties": {` + commonProps + `,
		"pointToOffsetFrom": {"$ref": "#/definitions/vec3"},
		"linearDistance": {"type": "number", "minimum": 0},
		"linearTimeScale": {"$ref": "#/definitions/timescale"}
	}, "required": ["pointToOffsetFrom"]`,
	TypeSpring: `"properties": {` + commonProps + `,
		"targetPosition": {"$ref": "#/definitions/vec3"},
		"linearTimeScale": {"$ref": "#/definitions/timescale"},
		"targetRotation": {"$ref": "#/definitions/quat"},
		"angularTimeScale": {"$ref": "#/definitions/timescale"}
	}`,
	TypeHold: `"properties": {` + commonProps + `,
		"holderID": {"$ref": "#/definitions/uuid"},
		"hand": {"enum": ["left", "right"]},
		"relativePosition": {"$ref": "#/definitions/vec3"},
		"relativeRotation": {"$ref": "#/definitions/quat"},
		"timeScale": {"$ref": "#/definitions/timescale"},
		"kinematic": {"type": "boolean"},
		"kinematicSetVelocity": {"type": "boolean"},
		"ignoreIK": {"type": "boolean"}
	}, "required": ["holderID", "hand"]`,
	TypeTravelOriented: `"properties": {` + commonProps + `,
		"forward": {"$ref": "#/definitions/vec3"},
		"angularTimeScale": {"$ref": "#/definitions/timescale"}
	}, "required": ["forward"]`,
	TypeHinge: `"properties": {` + commonProps + `,
		"pivot": {"$ref": "#/definitions/vec3"},
		"axis": {"$ref": "#/definitions/vec3"},
		"otherEntityID": {"$ref": "#/definitions/uuid"},
		"otherPivot": {"$ref": "#/definitions/vec3"},
		"otherAxis": {"$ref": "#/definitions/vec3"},
		"low": {"type": "number"},
		"high": {"type": "number"}
	}, "required": ["pivot", "axis"]`,
	TypeSlider: `"properties": {` + commonProps + `,
		"point": {"$ref": "#/definitions/vec3"},
		"axis": {"$ref": "#/definitions/vec3"},
		"otherEntityID": {"$ref": "#/definitions/uuid"},
		"otherPoint": {"$ref": "#/definitions/vec3"},
		"otherAxis": {"$ref": "#/definitions/vec3"},
		"linearLow": {"type": "number"},
		"linearHigh": {"type": "number"},
		"angularLow": {"type": "number"},
		"angularHigh": {"type": "number"}
	}, "required": ["point", "axis"]`,
	TypeBallSocket: `"properties": {` + commonProps + `,
		"pivot": {"$ref": "#/definitions/vec3"},
		"otherEntityID": {"$ref": "#/definitions/uuid"},
		"otherPivot": {"$ref": "#/definitions/vec3"}
	}, "required": ["pivot"]`,
	TypeConeTwist: `"properties": {` + commonProps + `,
		"pivot": {"$ref": "#/definitions/vec3"},
		"axis": {"$ref": "#/definitions/vec3"},
		"otherEntityID": {"$ref": "#/definitions/uuid"},
		"otherPivot": {"$ref": "#/definitions/vec3"},
		"otherAxis": {"$ref": "#/definitions/vec3"},
		"swingSpan1": {"type": "number"},
		"swingSpan2": {"type": "number"},
		"twistSpan": {"type": "number"}
	}, "required": ["pivot", "axis"]`,
	TypeFarGrab: `"properties": {` + commonProps + `,
		"targetPosition": {"$ref": "#/definitions/vec3"},
		"linearTimeScale": {"$ref": "#/definitions/timescale"},
		"targetRotation": {"$ref": "#/definitions/quat"},
		"angularTimeScale": {"$ref": "#/definitions/timescale"}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[Type]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	schemas = make(map[Type]*jsonschema.Schema, len(schemaBodies))
	for t, body := range schemaBodies {
		src := `{"type": "object", ` + definitions + `, ` + body + `}`
		s, err := jsonschema.CompileString(fmt.Sprintf("mem://actions/%s.schema.json", t), src)
		if err != nil {
			schemasErr = fmt.Errorf("compile %s schema: %w", t, err)
			return
		}
		schemas[t] = s
	}
}

// ValidateArguments checks args against the schema for t. Empty args are
// treated as an empty object.
func ValidateArguments(t Type, args []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	s, ok := schemas[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActionType, t)
	}
	if len(args) == 0 {
		args = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
