package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// defaultMoodleConcurrency bounds the per-assignment submission-status
// fan-out.
const defaultMoodleConcurrency = 8

// MoodleConfig configures the LMS REST client.
type MoodleConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	Concurrency int64
}

func (c *MoodleConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultMoodleConcurrency
	}
}

// moodleClient wraps the Moodle webservice REST endpoint.
type moodleClient struct {
	cfg        MoodleConfig
	httpClient *http.Client
}

func newMoodleClient(cfg MoodleConfig) *moodleClient {
	cfg.SetDefaults()
	return &moodleClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// call invokes one webservice function and decodes the JSON reply into out.
func (c *moodleClient) call(ctx context.Context, wsfunction string, params url.Values, out any) error {
	q := url.Values{}
	q.Set("wstoken", c.cfg.Token)
	q.Set("wsfunction", wsfunction)
	q.Set("moodlewsrestformat", "json")
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	endpoint := c.cfg.BaseURL + "/webservice/rest/server.php?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("moodle request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read moodle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("moodle request failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	// Moodle reports webservice errors as a JSON object with "exception".
	var wsErr struct {
		Exception string `json:"exception"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &wsErr); err == nil && wsErr.Exception != "" {
		return fmt.Errorf("moodle error: %s", wsErr.Message)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode moodle response: %w", err)
	}
	return nil
}

type moodleCourse struct {
	ID        int64  `json:"id"`
	FullName  string `json:"fullname"`
	ShortName string `json:"shortname"`
	Progress  *int   `json:"progress,omitempty"`
}

type coursesArgs struct {
	UserID int `json:"user_id" jsonschema:"required,description=Moodle user id"`
}

// MoodleCoursesTool lists a user's enrolled courses.
type MoodleCoursesTool struct {
	client *moodleClient
}

func NewMoodleCoursesTool(cfg MoodleConfig) *MoodleCoursesTool {
	return &MoodleCoursesTool{client: newMoodleClient(cfg)}
}

func (t *MoodleCoursesTool) Definition() Definition {
	return Definition{
		Name:        "get_moodle_courses",
		Description: "List the courses a Moodle user is enrolled in",
		Parameters:  mustSchema[coursesArgs](),
	}
}

func (t *MoodleCoursesTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	userID, err := intArg(args, "user_id")
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("userid", fmt.Sprintf("%d", userID))

	var courses []moodleCourse
	if err := t.client.call(ctx, "core_enrol_get_users_courses", params, &courses); err != nil {
		return "", err
	}

	out, err := json.Marshal(map[string]any{"courses": courses})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(out), nil
}

type assignmentsArgs struct {
	UserID     int `json:"user_id" jsonschema:"required,description=Moodle user id"`
	DaysPast   int `json:"days_past" jsonschema:"description=How many days back to look,default=30"`
	DaysFuture int `json:"days_future" jsonschema:"description=How many days ahead to look,default=30"`
	Limit      int `json:"limit" jsonschema:"description=Maximum assignments per bucket,default=20"`
}

type moodleAssignment struct {
	ID       int64  `json:"id"`
	CourseID int64  `json:"course"`
	Name     string `json:"name"`
	DueDate  int64  `json:"duedate"`
}

type assignmentStatus struct {
	Assignment moodleAssignment `json:"assignment"`
	Submitted  bool             `json:"submitted"`
	DueAt      string           `json:"due_at,omitempty"`
}

// MoodleAssignmentsTool buckets a user's assignments into completed, due
// and missed. One submission-status request is issued per assignment, with
// a bounded concurrency semaphore.
type MoodleAssignmentsTool struct {
	client *moodleClient
	sem    *semaphore.Weighted
}

func NewMoodleAssignmentsTool(cfg MoodleConfig) *MoodleAssignmentsTool {
	cfg.SetDefaults()
	return &MoodleAssignmentsTool{
		client: newMoodleClient(cfg),
		sem:    semaphore.NewWeighted(cfg.Concurrency),
	}
}

func (t *MoodleAssignmentsTool) Definition() Definition {
	return Definition{
		Name:        "get_moodle_assignments_status",
		Description: "Get a Moodle user's assignments bucketed into completed, due and missed",
		Parameters:  mustSchema[assignmentsArgs](),
	}
}

func (t *MoodleAssignmentsTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	userID, err := intArg(args, "user_id")
	if err != nil {
		return "", err
	}
	daysPast := intArgDefault(args, "days_past", 30)
	daysFuture := intArgDefault(args, "days_future", 30)
	limit := intArgDefault(args, "limit", 20)

	assignments, err := t.fetchAssignments(ctx, userID)
	if err != nil {
		return "", err
	}

	nowTS := time.Now()
	windowStart := nowTS.AddDate(0, 0, -daysPast).Unix()
	windowEnd := nowTS.AddDate(0, 0, daysFuture).Unix()

	var inWindow []moodleAssignment
	for _, a := range assignments {
		if a.DueDate == 0 || (a.DueDate >= windowStart && a.DueDate <= windowEnd) {
			inWindow = append(inWindow, a)
		}
	}

	statuses, err := t.fetchStatuses(ctx, userID, inWindow)
	if err != nil {
		return "", err
	}

	var completed, due, missed []assignmentStatus
	for _, st := range statuses {
		switch {
		case st.Submitted:
			completed = append(completed, st)
		case st.Assignment.DueDate != 0 && st.Assignment.DueDate < nowTS.Unix():
			missed = append(missed, st)
		default:
			due = append(due, st)
		}
	}

	sortByDue := func(items []assignmentStatus) {
		sort.Slice(items, func(i, j int) bool {
			return items[i].Assignment.DueDate < items[j].Assignment.DueDate
		})
	}
	sortByDue(completed)
	sortByDue(due)
	sortByDue(missed)

	out, err := json.Marshal(map[string]any{
		"completed": clip(completed, limit),
		"due":       clip(due, limit),
		"missed":    clip(missed, limit),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(out), nil
}

func (t *MoodleAssignmentsTool) fetchAssignments(ctx context.Context, userID int) ([]moodleAssignment, error) {
	params := url.Values{}
	params.Set("userid", fmt.Sprintf("%d", userID))

	var courses []moodleCourse
	if err := t.client.call(ctx, "core_enrol_get_users_courses", params, &courses); err != nil {
		return nil, err
	}

	assignParams := url.Values{}
	for i, c := range courses {
		assignParams.Set(fmt.Sprintf("courseids[%d]", i), fmt.Sprintf("%d", c.ID))
	}

	var reply struct {
		Courses []struct {
			ID          int64              `json:"id"`
			Assignments []moodleAssignment `json:"assignments"`
		} `json:"courses"`
	}
	if err := t.client.call(ctx, "mod_assign_get_assignments", assignParams, &reply); err != nil {
		return nil, err
	}

	var out []moodleAssignment
	for _, c := range reply.Courses {
		out = append(out, c.Assignments...)
	}
	return out, nil
}

// fetchStatuses fans out one submission-status request per assignment,
// bounded by the semaphore. Per-assignment failures degrade to
// "not submitted" rather than failing the whole call.
func (t *MoodleAssignmentsTool) fetchStatuses(ctx context.Context, userID int, assignments []moodleAssignment) ([]assignmentStatus, error) {
	statuses := make([]assignmentStatus, len(assignments))
	var wg sync.WaitGroup

	for i, a := range assignments {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)

		go func(i int, a moodleAssignment) {
			defer wg.Done()
			defer t.sem.Release(1)

			st := assignmentStatus{Assignment: a}
			if a.DueDate != 0 {
				st.DueAt = time.Unix(a.DueDate, 0).UTC().Format(time.RFC3339)
			}

			params := url.Values{}
			params.Set("assignid", fmt.Sprintf("%d", a.ID))
			params.Set("userid", fmt.Sprintf("%d", userID))

			var reply struct {
				LastAttempt struct {
					Submission struct {
						Status string `json:"status"`
					} `json:"submission"`
				} `json:"lastattempt"`
			}
			if err := t.client.call(ctx, "mod_assign_get_submission_status", params, &reply); err == nil {
				st.Submitted = reply.LastAttempt.Submission.Status == "submitted"
			}

			statuses[i] = st
		}(i, a)
	}

	wg.Wait()
	return statuses, nil
}

func clip(items []assignmentStatus, limit int) []assignmentStatus {
	if items == nil {
		return []assignmentStatus{}
	}
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func intArg(args map[string]any, key string) (int, error) {
	v, err := intArgOptional(args, key)
	if err != nil || v == nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	return *v, nil
}

func intArgDefault(args map[string]any, key string, fallback int) int {
	v, err := intArgOptional(args, key)
	if err != nil || v == nil {
		return fallback
	}
	return *v
}

func intArgOptional(args map[string]any, key string) (*int, error) {
	raw, ok := args[key]
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case float64:
		n := int(v)
		return &n, nil
	case int:
		return &v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer", key)
		}
		i := int(n)
		return &i, nil
	default:
		return nil, fmt.Errorf("%s must be an integer", key)
	}
}

// Ensure the tools implement Tool.
var (
	_ Tool = (*MoodleCoursesTool)(nil)
	_ Tool = (*MoodleAssignmentsTool)(nil)
)
