package core

import (
	"fmt"

	"fieldops/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewAreaConstraintRule())
	engine.Register(NewSingleActiveCycleRule())
	engine.Register(NewCycleEditableRule())
	engine.Register(NewBlocAreaImmutableRule())
	return engine
}

func block(rule string, kind domain.NodeKind, id, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Kind:     kind,
		EntityID: id,
	}
}

// subject returns the record a change is about: the new value, or the removed
// one for deletes.
func subject(change domain.Change) domain.Record {
	if change.After != nil {
		return change.After
	}
	return change.Before
}
