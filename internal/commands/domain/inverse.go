package commands

var inverseTypes = map[CommandType]CommandType{
	TypeThrottle:      TypeUnthrottle,
	TypeScale:         TypeDescale,
	TypeRestart:       TypeNoop, // a restart cannot be undone
	TypeConfigUpdate:  TypeConfigRevert,
	TypeEmergencyStop: TypeResume,
}

// InverseType returns the type that undoes t, or ROLLBACK for unmapped types.
func InverseType(t CommandType) CommandType {
	if inverse, ok := inverseTypes[t]; ok {
		return inverse
	}
	return TypeRollback
}

// RollbackCommandID derives the inverse command id for an original id.
func RollbackCommandID(originalID string) string {
	return RollbackIDPrefix + originalID
}

// Inverse synthesizes the command that undoes original.
func Inverse(original ControlCommand) ControlCommand {
	var previous map[string]string
	if original.RollbackConfig != nil {
		previous = original.RollbackConfig.PreviousState
	}
	return ControlCommand{
		CommandID:   RollbackCommandID(original.CommandID),
		TargetID:    original.TargetID,
		CommandType: InverseType(original.CommandType),
		Parameters:  CloneParameters(previous),
		Priority:    PriorityHigh,
	}
}
