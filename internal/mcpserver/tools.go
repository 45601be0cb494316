package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/happyagents/happy/internal/board"
	"github.com/happyagents/happy/internal/team"
)

func (s *Server) registerTools() {
	s.registerListTasks()
	s.registerGetTask()
	s.registerCreateTask()
	s.registerCreateSubtask()
	s.registerUpdateTask()
	s.registerDeleteTask()
	s.registerStartTask()
	s.registerCompleteTask()
	s.registerReportBlocker()
	s.registerResolveBlocker()
	s.registerSendTeamMessage()
	s.registerGetTeamMessages()
	s.registerGetRolePermissions()
}

func (s *Server) registerListTasks() {
	s.mcp.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List the team board filtered for your role: your tasks, available tasks, and board stats."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			b, err := mgr.GetBoard(ctx)
			if err != nil {
				return nil, err
			}
			info := s.deps.Session()
			tasks := make([]*board.Task, 0, len(b.Tasks))
			for _, t := range b.Tasks {
				tasks = append(tasks, t)
			}
			view := board.FilterTasks(tasks, s.deps.Registry, info.Role, info.SessionID)
			return mcp.NewToolResultText(board.RenderView(view)), nil
		},
	)
}

func (s *Server) registerGetTask() {
	s.mcp.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get one task with its full subtask tree."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requiredString(req, "task_id")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			tree, err := mgr.GetTaskTree(ctx, taskID)
			if err != nil {
				return nil, err
			}
			var b strings.Builder
			renderTree(&b, tree, 0)
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

func (s *Server) registerCreateTask() {
	s.mcp.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a task on the team board. Coordinator roles only."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Short task title")),
			mcp.WithString("description", mcp.Description("Longer task description with acceptance criteria")),
			mcp.WithString("assignee", mcp.Description("Session ID to assign the task to")),
			mcp.WithString("priority", mcp.Description("low, medium, high, or urgent (default: medium)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			title, err := requiredString(req, "title")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			task, err := mgr.CreateTask(ctx, board.CreateTaskInput{
				Title:       title,
				Description: optionalString(req, "description"),
				AssigneeID:  optionalString(req, "assignee"),
				Priority:    board.Priority(optionalString(req, "priority")),
			})
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Created task %s: %q", task.ID, task.Title)), nil
		},
	)
}

func (s *Server) registerCreateSubtask() {
	s.mcp.AddTool(
		mcp.NewTool("create_subtask",
			mcp.WithDescription("Create a subtask under an existing task. The subtask inherits assignee and priority unless overridden."),
			mcp.WithString("parent_task_id", mcp.Required(), mcp.Description("Parent task ID")),
			mcp.WithString("title", mcp.Required(), mcp.Description("Short subtask title")),
			mcp.WithString("description", mcp.Description("Subtask description")),
			mcp.WithString("assignee", mcp.Description("Session ID to assign the subtask to")),
			mcp.WithString("priority", mcp.Description("low, medium, high, or urgent")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			parentID, err := requiredString(req, "parent_task_id")
			if err != nil {
				return nil, err
			}
			title, err := requiredString(req, "title")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			task, err := mgr.CreateSubtask(ctx, parentID, board.CreateTaskInput{
				Title:       title,
				Description: optionalString(req, "description"),
				AssigneeID:  optionalString(req, "assignee"),
				Priority:    board.Priority(optionalString(req, "priority")),
			})
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Created subtask %s under %s", task.ID, parentID)), nil
		},
	)
}

func (s *Server) registerUpdateTask() {
	s.mcp.AddTool(
		mcp.NewTool("update_task",
			mcp.WithDescription("Update task fields. Workers may update their own tasks or claim unassigned ones; coordinators may update any task."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
			mcp.WithString("title", mcp.Description("New title")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithString("status", mcp.Description("todo, in-progress, review, done, or blocked")),
			mcp.WithString("assignee", mcp.Description("New assignee session ID; your own ID claims the task")),
			mcp.WithString("priority", mcp.Description("low, medium, high, or urgent")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requiredString(req, "task_id")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}

			var delta board.TaskDelta
			if v, ok := stringArg(req, "title"); ok {
				delta.Title = &v
			}
			if v, ok := stringArg(req, "description"); ok {
				delta.Description = &v
			}
			if v, ok := stringArg(req, "status"); ok {
				status := board.TaskStatus(v)
				delta.Status = &status
			}
			if v, ok := stringArg(req, "assignee"); ok {
				delta.AssigneeID = &v
			}
			if v, ok := stringArg(req, "priority"); ok {
				priority := board.Priority(v)
				delta.Priority = &priority
			}

			task, err := mgr.UpdateTask(ctx, taskID, delta)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Updated task %s (status=%s)", task.ID, task.Status)), nil
		},
	)
}

func (s *Server) registerDeleteTask() {
	s.mcp.AddTool(
		mcp.NewTool("delete_task",
			mcp.WithDescription("Delete a task. Coordinator roles only. Subtasks are promoted to root tasks unless the task cascades deletes."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requiredString(req, "task_id")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			if err := mgr.DeleteTask(ctx, taskID); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Deleted task %s", taskID)), nil
		},
	)
}

func (s *Server) registerStartTask() {
	s.mcp.AddTool(
		mcp.NewTool("start_task",
			mcp.WithDescription("Start working a task: links your session to it, self-assigns if unassigned, and moves it to in-progress."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requiredString(req, "task_id")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			task, err := mgr.StartTask(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Started task %s: %q", task.ID, task.Title)), nil
		},
	)
}

func (s *Server) registerCompleteTask() {
	s.mcp.AddTool(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Mark a task done. Fails while subtasks are incomplete. A fully-done parent moves to review for coordinator sign-off."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requiredString(req, "task_id")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			task, err := mgr.CompleteTask(ctx, taskID)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Completed task %s: %q", task.ID, task.Title)), nil
		},
	)
}

func (s *Server) registerReportBlocker() {
	s.mcp.AddTool(
		mcp.NewTool("report_blocker",
			mcp.WithDescription("Report that a task is blocked. The task moves to blocked and coordinators are notified."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
			mcp.WithString("description", mcp.Required(), mcp.Description("What is blocking the task")),
			mcp.WithString("type", mcp.Description("dependency, question, resource, or technical (default: technical)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requiredString(req, "task_id")
			if err != nil {
				return nil, err
			}
			description, err := requiredString(req, "description")
			if err != nil {
				return nil, err
			}
			blockerType := board.BlockerType(optionalString(req, "type"))
			if blockerType == "" {
				blockerType = board.BlockerTechnical
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			task, err := mgr.ReportBlocker(ctx, taskID, blockerType, description)
			if err != nil {
				return nil, err
			}
			open := task.UnresolvedBlockers()
			return mcp.NewToolResultText(fmt.Sprintf("Reported blocker %s on task %s", open[len(open)-1].ID, taskID)), nil
		},
	)
}

func (s *Server) registerResolveBlocker() {
	s.mcp.AddTool(
		mcp.NewTool("resolve_blocker",
			mcp.WithDescription("Resolve a blocker on a task. Coordinator roles only. Resolving the last open blocker moves the task back to in-progress."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
			mcp.WithString("blocker_id", mcp.Required(), mcp.Description("Blocker ID from the task's blocker list")),
			mcp.WithString("resolution", mcp.Description("How the blocker was resolved")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, err := requiredString(req, "task_id")
			if err != nil {
				return nil, err
			}
			blockerID, err := requiredString(req, "blocker_id")
			if err != nil {
				return nil, err
			}
			mgr, err := s.boardManager()
			if err != nil {
				return nil, err
			}
			task, err := mgr.ResolveBlocker(ctx, taskID, blockerID, optionalString(req, "resolution"))
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Resolved blocker %s; task %s is now %s", blockerID, taskID, task.Status)), nil
		},
	)
}

func (s *Server) registerSendTeamMessage() {
	s.mcp.AddTool(
		mcp.NewTool("send_team_message",
			mcp.WithDescription("Send a message to your team. Mention session IDs or @role names to make sure specific agents respond."),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
			mcp.WithString("type", mcp.Description("chat, task-update, notification, help-needed, collaboration-request, or handoff (default: chat)")),
			mcp.WithString("mentions", mcp.Description("Comma-separated session IDs or @role names to mention")),
			mcp.WithString("priority", mcp.Description("Set to 'urgent' to flag the message as urgent")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			content, err := requiredString(req, "content")
			if err != nil {
				return nil, err
			}
			info := s.deps.Session()
			if info.TeamID == "" {
				return nil, fmt.Errorf("not in a team: join a team before messaging")
			}

			msgType := team.MessageType(optionalString(req, "type"))
			if msgType == "" {
				msgType = team.TypeChat
			}

			msg := team.NewMessage(info.TeamID, content, msgType, info.SessionID, info.Role)
			if mentions := optionalString(req, "mentions"); mentions != "" {
				for _, m := range strings.Split(mentions, ",") {
					if m = strings.TrimSpace(m); m != "" {
						msg.Mentions = append(msg.Mentions, m)
					}
				}
			}
			if priority := optionalString(req, "priority"); priority != "" {
				msg.Metadata = map[string]interface{}{"priority": priority}
			}

			if err := s.deps.Pipeline.Send(ctx, msg); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Message %s sent to team %s", msg.ID, info.TeamID)), nil
		},
	)
}

func (s *Server) registerGetTeamMessages() {
	s.mcp.AddTool(
		mcp.NewTool("get_team_messages",
			mcp.WithDescription("Read recent team messages, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (default: 20)")),
			mcp.WithNumber("before", mcp.Description("Only messages strictly older than this unix-ms timestamp")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			info := s.deps.Session()
			if info.TeamID == "" {
				return nil, fmt.Errorf("not in a team: join a team before reading messages")
			}

			limit := 20
			if v, ok := req.GetArguments()["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			var before int64
			if v, ok := req.GetArguments()["before"].(float64); ok {
				before = int64(v)
			}

			messages, hasMore, err := s.deps.Pipeline.GetMessages(info.TeamID, limit, before)
			if err != nil {
				return nil, err
			}
			if len(messages) == 0 {
				return mcp.NewToolResultText("No messages"), nil
			}

			var b strings.Builder
			for _, m := range messages {
				from := m.FromRole
				if from == "" {
					from = m.FromSessionID
				}
				fmt.Fprintf(&b, "[%d] %s (%s): %s\n", m.Timestamp, from, m.Type, m.Content)
			}
			if hasMore {
				fmt.Fprintf(&b, "(older messages available before %d)\n", messages[len(messages)-1].Timestamp)
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

func (s *Server) registerGetRolePermissions() {
	s.mcp.AddTool(
		mcp.NewTool("get_role_permissions",
			mcp.WithDescription("Show the effective permission mode and disallowed tools for a role."),
			mcp.WithString("role", mcp.Description("Role ID (default: your current role)")),
			mcp.WithString("mode", mcp.Description("Requested permission mode; only an explicit bypass request overrides the role's mode")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			info := s.deps.Session()
			role := optionalString(req, "role")
			if role == "" {
				role = info.Role
			}
			perms := s.deps.Registry.EffectivePermissions(role, optionalString(req, "mode"), nil)

			var b strings.Builder
			fmt.Fprintf(&b, "Role: %s\nMode: %s\n", role, perms.Mode)
			if len(perms.DisallowedTools) > 0 {
				fmt.Fprintf(&b, "Disallowed tools: %s\n", strings.Join(perms.DisallowedTools, ", "))
			} else {
				b.WriteString("Disallowed tools: none\n")
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

// requiredString fetches a required string argument or fails the call.
func requiredString(req mcp.CallToolRequest, key string) (string, error) {
	v, _ := req.GetArguments()[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// optionalString fetches a string argument, empty when absent.
func optionalString(req mcp.CallToolRequest, key string) string {
	v, _ := req.GetArguments()[key].(string)
	return v
}

// stringArg distinguishes an absent argument from an explicit empty string,
// which matters for partial updates.
func stringArg(req mcp.CallToolRequest, key string) (string, bool) {
	v, ok := req.GetArguments()[key].(string)
	return v, ok
}

// renderTree prints a task subtree with indentation.
func renderTree(b *strings.Builder, tree *board.TaskTree, depth int) {
	indent := strings.Repeat("  ", depth)
	task := tree.Task
	fmt.Fprintf(b, "%s- [%s] %s (%s", indent, task.Status, task.Title, task.ID)
	if task.AssigneeID != "" {
		fmt.Fprintf(b, ", assignee=%s", task.AssigneeID)
	}
	b.WriteString(")\n")
	for _, blocker := range task.UnresolvedBlockers() {
		fmt.Fprintf(b, "%s  blocker %s: %s\n", indent, blocker.ID, blocker.Description)
	}
	for _, child := range tree.Children {
		renderTree(b, child, depth+1)
	}
}
