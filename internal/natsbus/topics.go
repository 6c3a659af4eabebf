package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicServerInbox(serverID string) string {
	return fmt.Sprintf("server.%s.inbox", serverID)
}

func TopicServerPing(serverID string) string {
	return fmt.Sprintf("server.%s.ping", serverID)
}

func TopicAgentTask(agentID string) string {
	return fmt.Sprintf("agent.%s.task", agentID)
}

func TopicAgentResult(agentID string) string {
	return fmt.Sprintf("agent.%s.result", agentID)
}

func TopicAgentHeartbeat(agentID string) string {
	return fmt.Sprintf("agent.%s.heartbeat", agentID)
}

func TopicEventsRouting(serverID string) string {
	return fmt.Sprintf("events.routing.%s", serverID)
}

func TopicEventsDelegation(delegationID string) string {
	return fmt.Sprintf("events.delegation.%s", delegationID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

const (
	TopicAgentRegister    = "agent.register"
	TopicEventsAll        = "events.>"
	TopicEventsRoutingAll = "events.routing.*"
	TopicEventsAgentAll   = "events.agent.*"
	TopicAgentResultAll   = "agent.*.result"
	TopicAgentHeartbeats  = "agent.*.heartbeat"
)
