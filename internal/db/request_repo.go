package db

import (
	"context"
	"encoding/json"

	"notifier/internal/types"
)

// RequestRepository provides data access for notification_requests and its
// two relation tables:
//
//   - request_rules(request_id, rule_id): rules still to match.
//   - request_recipients(request_id, recipient_id, status): one row per
//     recipient, so a recipient holds exactly one status per request.
//
// Only SaveState and DeleteRequests check versions; every engine mutation
// ends with one of them for each touched request.
type RequestRepository struct {
	db DBTX
}

// NewRequestRepository creates a new RequestRepository backed by the given
// database connection (pool or transaction).
func NewRequestRepository(db DBTX) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `r.id, r.tenant, r.request_id, r.owner, r.payload, r.metadata,
	r.request_date, r.created_at, r.state, r.version`

const orderOldest = ` ORDER BY r.created_at, r.id`

func (r *RequestRepository) FindByRequestIDs(ctx context.Context, tenant string, requestIDs []string) ([]*types.NotificationRequest, error) {
	if len(requestIDs) == 0 {
		return nil, nil
	}
	return r.query(ctx, "find requests by request id",
		`SELECT `+requestColumns+` FROM notification_requests r
		 WHERE r.tenant = $1 AND r.request_id = ANY($2)`+orderOldest,
		tenant, requestIDs,
	)
}

func (r *RequestRepository) FindByIDs(ctx context.Context, ids []int64) ([]*types.NotificationRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, "find requests by id",
		`SELECT `+requestColumns+` FROM notification_requests r
		 WHERE r.id = ANY($1)`+orderOldest,
		ids,
	)
}

func (r *RequestRepository) FindPageByState(ctx context.Context, tenant string, state types.NotificationState, limit int) ([]*types.NotificationRequest, error) {
	return r.query(ctx, "find requests by state",
		`SELECT `+requestColumns+` FROM notification_requests r
		 WHERE r.tenant = $1 AND r.state = $2`+orderOldest+` LIMIT $3`,
		tenant, string(state), limit,
	)
}

func (r *RequestRepository) FindPageToSchedule(ctx context.Context, tenant, recipient string, limit int) ([]*types.NotificationRequest, error) {
	return r.query(ctx, "find requests to schedule",
		`SELECT `+requestColumns+` FROM notification_requests r
		 WHERE r.tenant = $1 AND r.state = $2
		   AND EXISTS (
		     SELECT 1 FROM request_recipients rr
		     WHERE rr.request_id = r.id AND rr.recipient_id = $3 AND rr.status = $4
		   )`+orderOldest+` LIMIT $5`,
		tenant, string(types.StateToScheduleByRecipient), recipient, string(types.RecipientToSchedule), limit,
	)
}

// FindPageCompleted relies on idx_request_recipients_pending and the
// request_rules primary key; nothing is filtered in memory.
func (r *RequestRepository) FindPageCompleted(ctx context.Context, tenant string, limit int) ([]*types.NotificationRequest, error) {
	return r.query(ctx, "find completed requests",
		`SELECT `+requestColumns+` FROM notification_requests r
		 WHERE r.tenant = $1 AND r.state IN ($2, $3)
		   AND NOT EXISTS (SELECT 1 FROM request_rules rl WHERE rl.request_id = r.id)
		   AND NOT EXISTS (
		     SELECT 1 FROM request_recipients rr
		     WHERE rr.request_id = r.id AND rr.status IN ($4, $5)
		   )`+orderOldest+` LIMIT $6`,
		tenant,
		string(types.StateScheduled), string(types.StateError),
		string(types.RecipientToSchedule), string(types.RecipientScheduled),
		limit,
	)
}

func (r *RequestRepository) FindRecipientsToSchedule(ctx context.Context, tenant string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT rr.recipient_id
		 FROM request_recipients rr
		 JOIN notification_requests r ON r.id = rr.request_id
		 WHERE r.tenant = $1 AND r.state = $2 AND rr.status = $3
		 ORDER BY rr.recipient_id`,
		tenant, string(types.StateToScheduleByRecipient), string(types.RecipientToSchedule),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list recipients to schedule", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating recipients to schedule", err)
	}
	return out, nil
}

// CreateRequests inserts each request with its rule and recipient rows. A
// concurrent insert of the same (tenant, request_id) surfaces as
// types.ErrConflict so the registration batch reloads and sees it.
func (r *RequestRepository) CreateRequests(ctx context.Context, reqs []*types.NotificationRequest) error {
	for _, req := range reqs {
		err := r.db.QueryRow(ctx,
			`INSERT INTO notification_requests
			 (tenant, request_id, owner, payload, metadata, request_date, created_at, state, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			 RETURNING id, version`,
			req.Tenant,
			req.RequestID,
			req.Owner,
			jsonArg(req.Payload),
			jsonArg(req.Metadata),
			req.RequestDate,
			req.CreatedAt,
			string(req.State),
		).Scan(&req.ID, &req.Version)
		if err != nil {
			if isUniqueViolation(err) {
				return types.ErrConflict
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to insert notification request", err)
		}

		if len(req.RulesToMatch) > 0 {
			if _, err := r.db.Exec(ctx,
				`INSERT INTO request_rules (request_id, rule_id)
				 SELECT $1, unnest($2::bigint[])
				 ON CONFLICT DO NOTHING`,
				req.ID, req.RulesToMatch,
			); err != nil {
				return types.NewAppError(types.ErrCodeInternalDB, "failed to insert request rules", err)
			}
		}
		for _, status := range recipientStatuses {
			ids := req.Recipients(status)
			if len(ids) == 0 {
				continue
			}
			if err := r.insertRecipients(ctx, req.ID, ids, status); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *RequestRepository) SaveState(ctx context.Context, req *types.NotificationRequest) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_requests
		 SET state = $1, version = version + 1
		 WHERE id = $2 AND version = $3`,
		string(req.State), req.ID, req.Version,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save request state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrConflict
	}
	req.Version++
	return nil
}

// DeleteRequests removes the requests; relation rows cascade.
func (r *RequestRepository) DeleteRequests(ctx context.Context, reqs []*types.NotificationRequest) error {
	for _, req := range reqs {
		tag, err := r.db.Exec(ctx,
			`DELETE FROM notification_requests WHERE id = $1 AND version = $2`,
			req.ID, req.Version,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to delete request", err)
		}
		if tag.RowsAffected() == 0 {
			return types.ErrConflict
		}
	}
	return nil
}

func (r *RequestRepository) RemoveRulesToMatch(ctx context.Context, byRequest map[int64][]int64) error {
	for id, ruleIDs := range byRequest {
		if len(ruleIDs) == 0 {
			continue
		}
		if _, err := r.db.Exec(ctx,
			`DELETE FROM request_rules WHERE request_id = $1 AND rule_id = ANY($2)`,
			id, ruleIDs,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to remove rules to match", err)
		}
	}
	return nil
}

func (r *RequestRepository) AddRecipientsToSchedule(ctx context.Context, byRequest map[int64][]string) error {
	for id, recipients := range byRequest {
		if len(recipients) == 0 {
			continue
		}
		if err := r.insertRecipients(ctx, id, recipients, types.RecipientToSchedule); err != nil {
			return err
		}
	}
	return nil
}

// insertRecipients leaves recipients already tracked on the request untouched.
func (r *RequestRepository) insertRecipients(ctx context.Context, requestID int64, recipients []string, status types.RecipientStatus) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO request_recipients (request_id, recipient_id, status)
		 SELECT $1, unnest($2::text[]), $3
		 ON CONFLICT (request_id, recipient_id) DO NOTHING`,
		requestID, recipients, string(status),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert request recipients", err)
	}
	return nil
}

func (r *RequestRepository) MoveRecipient(ctx context.Context, recipient string, requestIDs []int64, from, to types.RecipientStatus) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE request_recipients SET status = $4
		 WHERE recipient_id = $1 AND request_id = ANY($2) AND status = $3`,
		recipient, requestIDs, string(from), string(to),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to move recipient", err)
	}
	return nil
}

func (r *RequestRepository) MoveAllRecipients(ctx context.Context, requestIDs []int64, from, to types.RecipientStatus) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE request_recipients SET status = $3
		 WHERE request_id = ANY($1) AND status = $2`,
		requestIDs, string(from), string(to),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to move recipients", err)
	}
	return nil
}

func (r *RequestRepository) ClearRecipients(ctx context.Context, requestIDs []int64, status types.RecipientStatus) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`DELETE FROM request_recipients WHERE request_id = ANY($1) AND status = $2`,
		requestIDs, string(status),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear recipients", err)
	}
	return nil
}

var recipientStatuses = []types.RecipientStatus{
	types.RecipientToSchedule,
	types.RecipientScheduled,
	types.RecipientInError,
	types.RecipientSuccess,
}

// query loads request rows and hydrates their relation sets with two
// follow-up queries keyed by id.
func (r *RequestRepository) query(ctx context.Context, what, sql string, args ...any) ([]*types.NotificationRequest, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to "+what, err)
	}
	defer rows.Close()

	var (
		reqs []*types.NotificationRequest
		byID = make(map[int64]*types.NotificationRequest)
	)
	for rows.Next() {
		var (
			req      types.NotificationRequest
			payload  []byte
			metadata []byte
			state    string
		)
		if err := rows.Scan(
			&req.ID,
			&req.Tenant,
			&req.RequestID,
			&req.Owner,
			&payload,
			&metadata,
			&req.RequestDate,
			&req.CreatedAt,
			&state,
			&req.Version,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan request", err)
		}
		req.Payload = json.RawMessage(payload)
		if len(metadata) > 0 {
			req.Metadata = json.RawMessage(metadata)
		}
		req.State = types.NotificationState(state)
		reqs = append(reqs, &req)
		byID[req.ID] = &req
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating requests", err)
	}
	rows.Close()

	if len(reqs) == 0 {
		return nil, nil
	}
	if err := r.hydrate(ctx, types.IDs(reqs), byID); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *RequestRepository) hydrate(ctx context.Context, ids []int64, byID map[int64]*types.NotificationRequest) error {
	ruleRows, err := r.db.Query(ctx,
		`SELECT request_id, rule_id FROM request_rules
		 WHERE request_id = ANY($1) ORDER BY request_id, rule_id`,
		ids,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to load request rules", err)
	}
	for ruleRows.Next() {
		var reqID, ruleID int64
		if err := ruleRows.Scan(&reqID, &ruleID); err != nil {
			ruleRows.Close()
			return types.NewAppError(types.ErrCodeInternalDB, "failed to scan request rule", err)
		}
		if req, ok := byID[reqID]; ok {
			req.RulesToMatch = append(req.RulesToMatch, ruleID)
		}
	}
	ruleRows.Close()
	if err := ruleRows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "error iterating request rules", err)
	}

	recRows, err := r.db.Query(ctx,
		`SELECT request_id, recipient_id, status FROM request_recipients
		 WHERE request_id = ANY($1) ORDER BY request_id, recipient_id`,
		ids,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to load request recipients", err)
	}
	defer recRows.Close()

	members := make(map[int64]map[types.RecipientStatus][]string)
	for recRows.Next() {
		var (
			reqID       int64
			recipientID string
			status      string
		)
		if err := recRows.Scan(&reqID, &recipientID, &status); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to scan request recipient", err)
		}
		if members[reqID] == nil {
			members[reqID] = make(map[types.RecipientStatus][]string)
		}
		s := types.RecipientStatus(status)
		members[reqID][s] = append(members[reqID][s], recipientID)
	}
	if err := recRows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "error iterating request recipients", err)
	}

	for reqID, byStatus := range members {
		req, ok := byID[reqID]
		if !ok {
			continue
		}
		for status, recipients := range byStatus {
			req.SetRecipients(status, recipients)
		}
	}
	return nil
}

// jsonArg passes raw JSON to a jsonb column, mapping empty to NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
