package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
)

// Field names reported in diffs and status details.
const (
	FieldName    = "name"
	FieldCron    = "cron"
	FieldEnabled = "enabled"
	FieldActor   = "actor_id"
	FieldInput   = "run_input"
)

// ScheduleName is the remote name owned by cfg: prefix plus a slug of the
// config name, or of "config-<id>" when the name has no usable characters.
func ScheduleName(prefix string, cfg *ingestion.SourceConfig) string {
	s := slug(cfg.Name)
	if s == "" {
		s = fmt.Sprintf("config-%d", cfg.ID)
	}
	return prefix + s
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// desired is the remote state a config declares.
func (r *Reconciler) desired(cfg *ingestion.SourceConfig) runner.ScheduleSpec {
	return runner.ScheduleSpec{
		Name:           ScheduleName(r.opts.NamePrefix, cfg),
		CronExpression: cfg.Schedule,
		Timezone:       r.opts.Timezone,
		IsEnabled:      cfg.Active,
		ActorID:        cfg.ActorID,
		RunInput:       cfg.DefaultInput,
	}
}

// diff builds an update holding only the fields where remote differs from
// want, and lists those fields. Actor and input travel together.
func diff(want runner.ScheduleSpec, remote *runner.Schedule) (runner.ScheduleUpdate, []string) {
	var upd runner.ScheduleUpdate
	var changed []string
	if remote.Name != want.Name {
		upd.Name = &want.Name
		changed = append(changed, FieldName)
	}
	if strings.TrimSpace(remote.CronExpression) != strings.TrimSpace(want.CronExpression) {
		upd.CronExpression = &want.CronExpression
		changed = append(changed, FieldCron)
	}
	if remote.IsEnabled != want.IsEnabled {
		upd.IsEnabled = &want.IsEnabled
		changed = append(changed, FieldEnabled)
	}
	actorChanged := remote.ActorID != want.ActorID
	inputChanged := !sameInput(remote.RunInput, want.RunInput)
	if actorChanged {
		changed = append(changed, FieldActor)
	}
	if inputChanged {
		changed = append(changed, FieldInput)
	}
	if actorChanged || inputChanged {
		upd.ActorID = &want.ActorID
		upd.RunInput = want.RunInput
		if upd.RunInput == nil {
			upd.RunInput = map[string]any{}
		}
	}
	return upd, changed
}

// sameInput compares run inputs by their canonical JSON encoding, so numeric
// types and nil versus empty do not register as changes.
func sameInput(a, b map[string]any) bool {
	return bytes.Equal(canonical(a), canonical(b))
}

func canonical(m map[string]any) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte(fmt.Sprint(m))
	}
	return b
}
