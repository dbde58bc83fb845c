package backend

import (
	_ "github.com/ollama/swarm/ml/backend/cpu"
)
