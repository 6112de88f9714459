package decision

// Batch merges compatible adjacent decisions: consecutive CreateToken become
// one BatchCreateTokens and consecutive UpdateTokenStatus with identical
// target status and reason become one BatchUpdateStatus. Any other decision
// flushes pending batches first, so relative order across non-batchable
// boundaries is preserved exactly.
func Batch(decisions []Decision) []Decision {
	if len(decisions) == 0 {
		return nil
	}
	out := make([]Decision, 0, len(decisions))
	var (
		pendingCreates []TokenParams
		pendingUpdates []string
		updateStatus   UpdateTokenStatus
	)
	flushCreates := func() {
		switch len(pendingCreates) {
		case 0:
		case 1:
			out = append(out, CreateToken{Params: pendingCreates[0]})
		default:
			out = append(out, BatchCreateTokens{Params: pendingCreates})
		}
		pendingCreates = nil
	}
	flushUpdates := func() {
		switch len(pendingUpdates) {
		case 0:
		case 1:
			out = append(out, UpdateTokenStatus{
				TokenID: pendingUpdates[0],
				Status:  updateStatus.Status,
				Reason:  updateStatus.Reason,
			})
		default:
			out = append(out, BatchUpdateStatus{
				TokenIDs: pendingUpdates,
				Status:   updateStatus.Status,
				Reason:   updateStatus.Reason,
			})
		}
		pendingUpdates = nil
	}
	for _, d := range decisions {
		switch v := d.(type) {
		case CreateToken:
			flushUpdates()
			pendingCreates = append(pendingCreates, v.Params)
		case UpdateTokenStatus:
			flushCreates()
			if len(pendingUpdates) > 0 && (v.Status != updateStatus.Status || v.Reason != updateStatus.Reason) {
				flushUpdates()
			}
			updateStatus = v
			pendingUpdates = append(pendingUpdates, v.TokenID)
		default:
			flushCreates()
			flushUpdates()
			out = append(out, d)
		}
	}
	flushCreates()
	flushUpdates()
	return out
}

// AffectedTokenIDs returns the token IDs a decision list touches, in first
// occurrence order without duplicates. Batching a decision list does not
// change its affected set.
func AffectedTokenIDs(decisions []Decision) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, d := range decisions {
		switch v := d.(type) {
		case UpdateTokenStatus:
			add(v.TokenID)
		case BatchUpdateStatus:
			for _, id := range v.TokenIDs {
				add(id)
			}
		case MarkWaiting:
			add(v.TokenID)
		case MarkForDispatch:
			add(v.TokenID)
		case InitBranchTable:
			add(v.TokenID)
		case ApplyBranchOutput:
			add(v.TokenID)
		case MergeBranches:
			for _, id := range v.TokenIDs {
				add(id)
			}
		case DropBranchTables:
			for _, id := range v.TokenIDs {
				add(id)
			}
		case ActivateFanIn:
			add(v.TriggeringTokenID)
			for _, id := range v.MergedTokenIDs {
				add(id)
			}
		case TryActivateFanIn:
			add(v.TokenID)
		case CompleteToken:
			add(v.TokenID)
		case CompleteTokens:
			for _, id := range v.TokenIDs {
				add(id)
			}
		case CancelTokens:
			for _, id := range v.TokenIDs {
				add(id)
			}
		case MarkWaitingForSubworkflow:
			add(v.TokenID)
		case ResumeFromSubworkflow:
			add(v.TokenID)
		case FailFromSubworkflow:
			add(v.TokenID)
		case TimeoutSubworkflow:
			add(v.TokenID)
		}
	}
	return ids
}
