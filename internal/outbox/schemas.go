package outbox

const runCompletedSchema = `{
  "type": "object",
  "title": "RunCompleted",
  "properties": {
    "tenant_id": {"type": "string"},
    "destination_id": {"type": "string"},
    "entity_id": {"type": "string"},
    "activity_id": {"type": "string"},
    "id_source": {"type": "string", "enum": ["upstream", "synthetic"]},
    "player": {"type": "string"},
    "region": {"type": "string"},
    "completed_at": {"type": "string", "format": "date-time"},
    "season": {"type": "string"},
    "message": {"type": "object"},
    "version": {"type": "string"}
  },
  "required": ["tenant_id", "destination_id", "entity_id", "activity_id", "id_source", "completed_at", "message", "version"],
  "additionalProperties": false
}`
