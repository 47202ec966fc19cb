package models

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&Team{},
		&Sender{},
		&Contact{},
		&Sequence{},
		&SequenceStep{},
		&Enrollment{},
		&DeliveryLog{},
	}
}
