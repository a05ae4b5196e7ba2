package protocol

import (
	"math"

	"github.com/cory-johannsen/arena/internal/game/rules"
)

// Field names of the structured envelope form shared by every codec.
const (
	fieldRoom    = "room"
	fieldKind    = "kind"
	fieldPayload = "payload"
)

// toMap renders env in the JSON value model used by both codecs.
func toMap(env Envelope) (map[string]any, error) {
	if env.Payload == nil {
		return nil, malformed(nil, "envelope has no payload")
	}
	var body map[string]any
	switch p := env.Payload.(type) {
	case *Join:
		body = map[string]any{
			"plugin":      p.Plugin,
			"reservation": p.Reservation,
			"name":        p.Name,
			"seat":        float64(p.Seat),
		}
	case *Action:
		action := map[string]any{"type": p.Action.Type}
		if len(p.Action.Params) > 0 {
			action["params"] = p.Action.Params
		}
		body = map[string]any{
			"seat":   float64(p.Seat),
			"action": action,
		}
	case *StateUpdate:
		body = map[string]any{
			"turn":   float64(p.Turn),
			"seat":   float64(p.Seat),
			"paused": p.Paused,
		}
		if len(p.State) > 0 {
			body["state"] = p.State
		}
	case *Error:
		body = map[string]any{"code": p.Code, "message": p.Message}
	case *Result:
		body = ResultToMap(p.Result)
	case *Observe:
		body = map[string]any{}
	default:
		return nil, malformed(nil, "unsupported payload %T", env.Payload)
	}
	return map[string]any{
		fieldRoom:    env.RoomID,
		fieldKind:    string(env.Payload.Kind()),
		fieldPayload: body,
	}, nil
}

// fromMap is the inverse of toMap. Every type mismatch is a *ProtocolError.
func fromMap(m map[string]any) (Envelope, error) {
	room, err := optString(m, fieldRoom)
	if err != nil {
		return Envelope{}, err
	}
	kind, err := reqString(m, fieldKind)
	if err != nil {
		return Envelope{}, err
	}
	body, err := optObject(m, fieldPayload)
	if err != nil {
		return Envelope{}, err
	}
	if body == nil {
		body = map[string]any{}
	}

	env := Envelope{RoomID: room}
	switch Kind(kind) {
	case KindJoin:
		p := &Join{}
		if p.Plugin, err = optString(body, "plugin"); err != nil {
			return Envelope{}, err
		}
		if p.Reservation, err = optString(body, "reservation"); err != nil {
			return Envelope{}, err
		}
		if p.Name, err = optString(body, "name"); err != nil {
			return Envelope{}, err
		}
		if p.Seat, err = optSeat(body, "seat"); err != nil {
			return Envelope{}, err
		}
		env.Payload = p
	case KindAction:
		p := &Action{}
		if p.Seat, err = optSeat(body, "seat"); err != nil {
			return Envelope{}, err
		}
		action, err := optObject(body, "action")
		if err != nil {
			return Envelope{}, err
		}
		if action == nil {
			return Envelope{}, malformed(nil, "action payload missing %q", "action")
		}
		if p.Action.Type, err = reqString(action, "type"); err != nil {
			return Envelope{}, err
		}
		if p.Action.Params, err = optObject(action, "params"); err != nil {
			return Envelope{}, err
		}
		env.Payload = p
	case KindStateUpdate:
		p := &StateUpdate{}
		if p.Turn, err = optInt(body, "turn"); err != nil {
			return Envelope{}, err
		}
		if p.Seat, err = optSeat(body, "seat"); err != nil {
			return Envelope{}, err
		}
		if p.Paused, err = optBool(body, "paused"); err != nil {
			return Envelope{}, err
		}
		if p.State, err = optObject(body, "state"); err != nil {
			return Envelope{}, err
		}
		env.Payload = p
	case KindError:
		p := &Error{}
		if p.Code, err = optString(body, "code"); err != nil {
			return Envelope{}, err
		}
		if p.Message, err = optString(body, "message"); err != nil {
			return Envelope{}, err
		}
		env.Payload = p
	case KindResult:
		p, err := resultFromMap(body)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = p
	case KindObserve:
		env.Payload = &Observe{}
	default:
		return Envelope{}, malformed(nil, "unknown kind %q", kind)
	}
	return env, nil
}

// ResultToMap renders res in the JSON value model.
func ResultToMap(res rules.Result) map[string]any {
	scores := make([]any, 0, rules.Seats)
	for _, s := range res.Scores {
		scores = append(scores, map[string]any{
			"name":    s.Name,
			"cause":   s.Cause.String(),
			"verdict": s.Verdict.String(),
			"points":  float64(s.Points),
			"reason":  s.Reason,
		})
	}
	return map[string]any{
		"room":   res.RoomID,
		"plugin": res.PluginID,
		"winner": float64(res.Winner),
		"scores": scores,
	}
}

// ResultFromMap is the inverse of ResultToMap.
func ResultFromMap(body map[string]any) (rules.Result, error) {
	r, err := resultFromMap(body)
	if err != nil {
		return rules.Result{}, err
	}
	return r.Result, nil
}

func resultFromMap(body map[string]any) (*Result, error) {
	var err error
	var res rules.Result
	if res.RoomID, err = optString(body, "room"); err != nil {
		return nil, err
	}
	if res.PluginID, err = optString(body, "plugin"); err != nil {
		return nil, err
	}
	if res.Winner, err = optSeat(body, "winner"); err != nil {
		return nil, err
	}
	raw, ok := body["scores"].([]any)
	if !ok || len(raw) != rules.Seats {
		return nil, malformed(nil, "result must carry exactly %d scores", rules.Seats)
	}
	for i, item := range raw {
		sm, ok := item.(map[string]any)
		if !ok {
			return nil, malformed(nil, "score %d is not an object", i)
		}
		s := &res.Scores[i]
		if s.Name, err = optString(sm, "name"); err != nil {
			return nil, err
		}
		if s.Points, err = optInt(sm, "points"); err != nil {
			return nil, err
		}
		if s.Reason, err = optString(sm, "reason"); err != nil {
			return nil, err
		}
		cause, err := reqString(sm, "cause")
		if err != nil {
			return nil, err
		}
		if s.Cause, err = rules.ParseCause(cause); err != nil {
			return nil, malformed(err, "score %d", i)
		}
		verdict, err := reqString(sm, "verdict")
		if err != nil {
			return nil, err
		}
		if s.Verdict, err = rules.ParseVerdict(verdict); err != nil {
			return nil, malformed(err, "score %d", i)
		}
	}
	return &Result{Result: res}, nil
}

func reqString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", malformed(nil, "missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", malformed(nil, "field %q must be a string", key)
	}
	return s, nil
}

func optString(m map[string]any, key string) (string, error) {
	if _, ok := m[key]; !ok {
		return "", nil
	}
	return reqString(m, key)
}

func optBool(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, malformed(nil, "field %q must be a boolean", key)
	}
	return b, nil
}

func optInt(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, malformed(nil, "field %q must be an integer", key)
	}
	return int(f), nil
}

func optSeat(m map[string]any, key string) (rules.Seat, error) {
	if _, ok := m[key]; !ok {
		return rules.NoSeat, nil
	}
	n, err := optInt(m, key)
	if err != nil {
		return rules.NoSeat, err
	}
	seat := rules.Seat(n)
	if seat != rules.NoSeat && !seat.Valid() {
		return rules.NoSeat, malformed(nil, "field %q is not a seat: %d", key, n)
	}
	return seat, nil
}

func optObject(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed(nil, "field %q must be an object", key)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return obj, nil
}
