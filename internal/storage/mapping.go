package storage

// LogIndexMapping is the index body for the daily log indices. The synthetic
// _search_text field concatenates the free-text parts of an event so one
// match query covers message, process and user fields.
const LogIndexMapping = `{
  "settings": {
    "number_of_shards": 3,
    "number_of_replicas": 1,
    "refresh_interval": "5s"
  },
  "mappings": {
    "properties": {
      "timestamp":             {"type": "date"},
      "ingested_at":           {"type": "date"},
      "_normalized_timestamp": {"type": "date", "format": "epoch_millis"},
      "source_type":           {"type": "keyword"},
      "event_id":              {"type": "keyword"},
      "severity":              {"type": "keyword"},
      "category":              {"type": "keyword"},
      "subcategory":           {"type": "keyword"},
      "message":               {"type": "text"},
      "_search_text":          {"type": "text"},
      "host": {
        "properties": {
          "hostname": {"type": "keyword"},
          "ips":      {"type": "ip"}
        }
      },
      "user": {
        "properties": {
          "name":   {"type": "keyword"},
          "id":     {"type": "keyword"},
          "domain": {"type": "keyword"}
        }
      },
      "process": {
        "properties": {
          "name":         {"type": "keyword"},
          "pid":          {"type": "long"},
          "command_line": {"type": "text"}
        }
      },
      "network": {
        "properties": {
          "source_ip":        {"type": "ip"},
          "source_port":      {"type": "integer"},
          "destination_ip":   {"type": "ip"},
          "destination_port": {"type": "integer"}
        }
      },
      "risk_score":       {"type": "double"},
      "mitre_techniques": {"type": "keyword"},
      "tags":             {"type": "keyword"},
      "metadata":         {"type": "object", "enabled": false}
    }
  }
}`
