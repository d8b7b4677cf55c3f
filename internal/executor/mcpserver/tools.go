package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/executor/callback"
)

const silentExitCallbackTimeout = 2 * time.Minute

func registerTools(s *server.MCPServer, callbacks *callback.Client, resolve TaskResolver, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("silent_exit",
			mcp.WithDescription(
				"End the current task without a visible result when there is nothing "+
					"meaningful to report. Use this instead of writing a summary when:\n"+
					"1. The requested work turned out to be a no-op\n"+
					"2. The task only monitored or verified something and found nothing\n"+
					"3. A reply would add noise to the user's timeline\n\n"+
					"The task still completes successfully; it is just hidden by default.",
			),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("Short explanation of why there is nothing to report"),
			),
		),
		silentExitHandler(callbacks, resolve, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 1))
}

func silentExitHandler(callbacks *callback.Client, resolve TaskResolver, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reason, err := req.RequireString("reason")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, ok := resolve()
		if !ok {
			log.Warn("silent_exit called with no active task")
			return mcp.NewToolResultError("No active task to exit"), nil
		}

		log.Info("silent_exit invoked",
			zap.Int64("task_id", task.TaskID),
			zap.String("subtask_id", task.SubtaskID),
			zap.String("reason", reason))

		// Independent delivery path: the marker below can get stripped from
		// the agent's final result, this callback cannot.
		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), silentExitCallbackTimeout)
			defer cancel()
			if err := callbacks.Send(sendCtx, task.CallbackURL, callback.SilentExit(task, reason)); err != nil {
				log.Warn("Silent-exit callback failed",
					zap.Int64("task_id", task.TaskID),
					zap.Error(err))
			}
		}()

		// The tool result is the marker itself; the stream processor detects
		// it in the next ToolResult block.
		marker, _ := json.Marshal(map[string]interface{}{
			"__silent_exit__": true,
			"reason":          reason,
		})
		return mcp.NewToolResultText(string(marker)), nil
	}
}
